package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestFromContext(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"defaults", "", DefaultLimit, 0},
		{"custom", "?limit=50&offset=10", 50, 10},
		{"capped", "?limit=500", MaxLimit, 0},
		{"negative offset", "?offset=-5", DefaultLimit, 0},
		{"zero limit", "?limit=0", DefaultLimit, 0},
		{"garbage", "?limit=abc&offset=xyz", DefaultLimit, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/"+tt.query, nil)
			c := e.NewContext(req, httptest.NewRecorder())

			p := FromContext(c)
			if p.Limit != tt.wantLimit {
				t.Errorf("expected limit %d, got %d", tt.wantLimit, p.Limit)
			}
			if p.Offset != tt.wantOffset {
				t.Errorf("expected offset %d, got %d", tt.wantOffset, p.Offset)
			}
		})
	}
}

func TestParams_HasNext(t *testing.T) {
	tests := []struct {
		name   string
		params Params
		total  int
		want   bool
	}{
		{"more results", Params{Limit: 10, Offset: 0}, 25, true},
		{"exact end", Params{Limit: 10, Offset: 15}, 25, false},
		{"past end", Params{Limit: 10, Offset: 30}, 25, false},
		{"no results", Params{Limit: 10, Offset: 0}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.params.HasNext(tt.total); got != tt.want {
				t.Errorf("HasNext() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParams_Page(t *testing.T) {
	p := Params{Limit: 3, Offset: 3}
	page := p.Page(10)
	if page.Total != 10 || page.Limit != 3 || page.Offset != 3 || !page.HasMore {
		t.Errorf("unexpected page %+v", page)
	}
	if p.NextOffset() != 6 {
		t.Errorf("expected next offset 6, got %d", p.NextOffset())
	}
	if (Params{Limit: 5, Offset: 5}).Page(10).HasMore {
		t.Error("expected no more results on the last page")
	}
}
