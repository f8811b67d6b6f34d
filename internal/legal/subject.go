// Package legal dispatches batches of records to the judicial-records
// provider and reconciles the provider's callbacks into results.
package legal

import (
	"encoding/json"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/processscan/internal/model"
)

// Record keys are matched after case and accent folding, so "Título",
// "TITULO" and "titulo" are the same column.
var (
	orgIDKeys       = []string{"cnpj"}
	personIDKeys    = []string{"cpf"}
	nameKeys        = []string{"titulo", "title", "pessoa", "nome", "name"}
	affiliationKeys = []string{"organizacao", "organization", "empresa", "company"}
)

// FoldKey lowercases s and strips diacritics.
func FoldKey(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.ToLower(strings.TrimSpace(folded))
}

// ExtractSubject picks the search subject out of a record. An organization
// tax ID wins over a person tax ID. ok is false when neither is present.
func ExtractSubject(rec model.Record) (model.Subject, bool) {
	fields := foldRecord(rec)

	subject := model.Subject{
		Name:        firstValue(fields, nameKeys),
		Affiliation: firstValue(fields, affiliationKeys),
	}
	if id := firstValue(fields, orgIDKeys); id != "" {
		subject.ID, subject.Kind = id, model.SubjectOrganization
		return subject, true
	}
	if id := firstValue(fields, personIDKeys); id != "" {
		subject.ID, subject.Kind = id, model.SubjectPerson
		return subject, true
	}
	return subject, false
}

func foldRecord(rec model.Record) map[string]string {
	out := make(map[string]string, len(rec))
	for k, v := range rec {
		key := FoldKey(k)
		val := valueString(v)
		// Two columns folding to the same key: keep the non-empty one.
		if prev, ok := out[key]; ok && prev != "" && val == "" {
			continue
		}
		out[key] = val
	}
	return out
}

func firstValue(fields map[string]string, keys []string) string {
	for _, k := range keys {
		if v := fields[k]; v != "" {
			return v
		}
	}
	return ""
}

// valueString renders a JSON-decoded cell as trimmed text.
func valueString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(b))
	}
}

// Field returns the value of rec's column key, matched the same way
// subject columns are. Missing columns yield "".
func Field(rec model.Record, key string) string {
	return foldRecord(rec)[FoldKey(key)]
}
