package service

import (
	"context"
	"fmt"
	"time"

	"github.com/formforge/formforge/internal/csvdata"
	"github.com/formforge/formforge/internal/formfill"
	"github.com/formforge/formforge/internal/storage"
)

// Processor turns one CSV row into one stored PDF artifact. It is
// stateless and never touches the ledger; cost accounting belongs to the
// orchestrator.
type Processor struct {
	store   storage.Store
	filler  formfill.Filler
	timeout time.Duration
}

func NewProcessor(store storage.Store, filler formfill.Filler, timeout time.Duration) *Processor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Processor{store: store, filler: filler, timeout: timeout}
}

type rowInput struct {
	jobKey       string
	index        int
	templateName string
	template     []byte
	header       []string
	row          csvdata.Row
}

type rowResult struct {
	index      int
	ref        string
	outputName string
	err        error
}

// process applies the per-row timeout around the form-fill call. A timeout
// is a row failure, never a batch abort.
func (p *Processor) process(ctx context.Context, in rowInput) rowResult {
	result := rowResult{index: in.index, outputName: csvdata.OutputName(in.row, in.index)}

	fields := make([]formfill.Field, 0, len(in.header))
	for _, name := range in.header {
		if name == "" || name == csvdata.FilenameColumn {
			continue
		}
		fields = append(fields, formfill.Field{Name: name, Value: in.row[name]})
	}

	fillCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	pdf, err := p.filler.Fill(fillCtx, formfill.Request{
		TemplateName: in.templateName,
		Template:     in.template,
		Fields:       fields,
	})
	if err != nil {
		result.err = err
		return result
	}

	key := fmt.Sprintf("%s/rows/%04d_%s", in.jobKey, in.index+1, result.outputName)
	ref, err := p.store.Save(ctx, key, pdf)
	if err != nil {
		result.err = fmt.Errorf("store artifact: %w", err)
		return result
	}
	result.ref = ref
	return result
}
