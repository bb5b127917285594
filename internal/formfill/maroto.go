package formfill

import (
	"context"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/line"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
)

// MarotoFiller renders the filled document with maroto. It lays out the
// row values against the template's field names; widget-level AcroForm
// stamping is a drop-in replacement behind the same interface.
type MarotoFiller struct{}

func NewMarotoFiller() *MarotoFiller {
	return &MarotoFiller{}
}

func (f *MarotoFiller) Fill(ctx context.Context, req Request) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(req.Template) == 0 {
		return nil, &FillError{Reason: "empty template"}
	}
	if len(req.Fields) == 0 {
		return nil, &FillError{Reason: "no matching fields"}
	}

	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	title := req.TemplateName
	if title == "" {
		title = "Filled Form"
	}
	m.AddRow(12,
		text.NewCol(12, title, props.Text{
			Size:  16,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
	)
	m.AddRow(4, line.NewCol(12))

	for _, field := range req.Fields {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m.AddRow(8,
			text.NewCol(4, field.Name, props.Text{
				Size:  10,
				Style: fontstyle.Bold,
				Align: align.Left,
			}),
			col.New(1),
			text.NewCol(7, field.Value, props.Text{
				Size:  10,
				Align: align.Left,
			}),
		)
	}

	doc, err := m.Generate()
	if err != nil {
		return nil, &FillError{Reason: "render", Err: err}
	}
	return doc.GetBytes(), nil
}
