package sheet

import (
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/processscan/internal/model"
)

// ResultColumns is the header row written by WriteResults.
var ResultColumns = []string{
	"Documento", "Tipo", "Nome", "Empresa", "Status",
	"Qtd Processos", "Erro", "Processado em",
}

// WriteResults saves results as a single-sheet XLSX at path.
func WriteResults(path string, results []model.Result) error {
	f := xlsx.NewFile()
	sh, err := f.AddSheet("Resultados")
	if err != nil {
		return eris.Wrap(err, "xlsx: add sheet")
	}

	header := sh.AddRow()
	for _, h := range ResultColumns {
		header.AddCell().SetString(h)
	}
	for _, r := range results {
		row := sh.AddRow()
		row.AddCell().SetString(r.Subject.ID)
		row.AddCell().SetString(string(r.Subject.Kind))
		row.AddCell().SetString(r.Subject.Name)
		row.AddCell().SetString(r.Subject.Affiliation)
		row.AddCell().SetString(string(r.Outcome))
		row.AddCell().SetInt(r.ProcessCount)
		row.AddCell().SetString(r.ErrorDetail)
		row.AddCell().SetString(r.CompletedAt.UTC().Format(time.RFC3339))
	}

	if err := f.Save(path); err != nil {
		return eris.Wrap(err, "xlsx: save file")
	}
	return nil
}
