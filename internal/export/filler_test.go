package export

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"compitutto/internal/browser/browsertest"
	"compitutto/internal/locator"
)

func TestFillerFill(t *testing.T) {
	tests := []struct {
		name    string
		dialog  string
		setup   func(*browsertest.Page)
		want    FillResult
		checked bool
	}{
		{
			name:    "both dates and format",
			dialog:  `<input id="data_dal" name="data_dal"><input id="data_al" name="data_al"><input type="radio" id="xls" name="f" value="xls">`,
			want:    FillOK,
			checked: true,
		},
		{
			name:   "english field names",
			dialog: `<input id="startDate"><input id="endDate">`,
			want:   FillOK,
		},
		{
			name:   "missing to-date",
			dialog: `<input id="data_dal" name="data_dal">`,
			want:   FillPartial,
		},
		{
			name:   "from-date refuses input",
			dialog: `<input id="data_dal" name="data_dal"><input id="data_al" name="data_al">`,
			setup:  func(p *browsertest.Page) { p.FailFill("data_dal") },
			want:   FillPartial,
		},
		{
			name:    "format radio ahead of the dates",
			dialog:  `<input type="radio" id="xls" name="formato" value="xls"><input id="data_dal" name="data_dal"><input id="data_al" name="data_al">`,
			want:    FillOK,
			checked: true,
		},
		{
			name:   "checkboxes and hidden inputs are not dates",
			dialog: `<input type="checkbox" name="al_completo"><input type="hidden" name="token_end_date" value="t"><input id="data_dal" name="data_dal">`,
			want:   FillPartial,
		},
		{
			name:    "missing format does not downgrade",
			dialog:  `<input id="data_dal" name="data_dal"><input id="data_al" name="data_al">`,
			want:    FillOK,
			checked: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, `<div class="ui-dialog">`+tt.dialog+`</div>`)
			if tt.setup != nil {
				tt.setup(h.page)
			}
			got := h.c.filler.Fill(context.Background(), h.page, NewRequest(testNow))
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.checked, h.page.IsChecked("#xls"))

			events := h.sink.Find("form.filled")
			require.Len(t, events, 1)
			assert.Equal(t, tt.want.String(), events[0].Attrs["result"])
		})
	}
}

func TestFillerLeavesCheckedFormatAlone(t *testing.T) {
	h := newHarness(t, `<input id="data_dal"><input id="data_al"><input type="radio" id="xls" name="f" value="xls" checked>`)
	assert.Equal(t, FillOK, h.c.filler.Fill(context.Background(), h.page, NewRequest(testNow)))
	assert.Equal(t, -1, h.page.Index("check:"))
}

func TestFillerScopesToDialog(t *testing.T) {
	h := newHarness(t, `<input id="search_dal" name="search_dal">
		<div class="ui-dialog"><input id="data_dal" name="data_dal"><input id="data_al" name="data_al"></div>`)
	ctx := context.Background()
	r := locator.NewResolver(h.rc, locator.SiteRoles(locator.DefaultLabels()))
	dialog, ok := r.Resolve(ctx, locator.KnownDialog, h.page)
	require.True(t, ok)

	assert.Equal(t, FillOK, h.c.filler.Fill(ctx, dialog.Element, NewRequest(testNow)))
	assert.Equal(t, "", h.page.Value("#search_dal"))
	assert.Equal(t, "01-02-2024", h.page.Value("#data_dal"))
}

func TestFillerKeepsFormatValue(t *testing.T) {
	h := newHarness(t, `<div class="ui-dialog">
		<input type="radio" id="formato" name="formato" value="xls">
		<input id="data_dal" name="data_dal"><input id="data_al" name="data_al">
	</div>`)

	assert.Equal(t, FillOK, h.c.filler.Fill(context.Background(), h.page, NewRequest(testNow)))
	assert.Equal(t, "xls", h.page.Value("#formato"))
	assert.Equal(t, "01-02-2024", h.page.Value("#data_dal"))
	assert.Equal(t, "29-02-2024", h.page.Value("#data_al"))
	assert.True(t, h.page.IsChecked("#formato"))
}

func TestFillerBoundsEachField(t *testing.T) {
	h := newHarness(t, `<div class="ui-dialog"><input id="data_dal" name="data_dal"><input id="data_al" name="data_al"></div>`)
	h.page.StallFill("data_dal")

	ctx, cancel := context.WithTimeout(context.Background(), h.rc.Timeouts.Download)
	defer cancel()

	start := time.Now()
	got := h.c.filler.Fill(ctx, h.page, NewRequest(testNow))
	elapsed := time.Since(start)

	assert.Equal(t, FillPartial, got)
	assert.Less(t, elapsed, h.rc.Timeouts.Download/2)
	assert.NoError(t, ctx.Err(), "the caller's budget outlives a stuck field")
	assert.Equal(t, "29-02-2024", h.page.Value("#data_al"))
}
