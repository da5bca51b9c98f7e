package docs

import (
	"testing"
	"time"

	"securedocs/pkg/domain"
)

func viewFixture() []domain.Document {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return []domain.Document{
		{ID: "a", FileName: "pan_card.pdf", Category: domain.CategoryPAN, CreatedAt: base},
		{ID: "b", FileName: "Passport_scan.pdf", Category: domain.CategoryPassport, CreatedAt: base.Add(time.Hour)},
		{ID: "c", FileName: "degree.pdf", Category: domain.CategoryEducation, CreatedAt: base.Add(2 * time.Hour)},
		{ID: "d", FileName: "xray.png", Category: domain.CategoryHealth, CreatedAt: base.Add(3 * time.Hour)},
	}
}

func ids(docs []domain.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID
	}
	return out
}

func assertOrder(t *testing.T, got []domain.Document, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d (%v)", len(got), len(want), ids(got))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("order = %v, want %v", ids(got), want)
		}
	}
}

func TestApplyViewDefaultsToNewestFirst(t *testing.T) {
	assertOrder(t, ApplyView(viewFixture(), View{}), "d", "c", "b", "a")
}

func TestApplyViewSortModes(t *testing.T) {
	docs := viewFixture()
	assertOrder(t, ApplyView(docs, View{Sort: SortDateAsc}), "a", "b", "c", "d")
	assertOrder(t, ApplyView(docs, View{Sort: SortNameAsc}), "c", "a", "b", "d")
	assertOrder(t, ApplyView(docs, View{Sort: SortNameDesc}), "d", "b", "a", "c")
}

func TestApplyViewCategoryFilter(t *testing.T) {
	got := ApplyView(viewFixture(), View{Category: "Passport"})
	assertOrder(t, got, "b")
	if got := ApplyView(viewFixture(), View{Category: "File"}); len(got) != 0 {
		t.Fatalf("unmatched category returned %v", ids(got))
	}
}

func TestApplyViewSearchIsCaseInsensitive(t *testing.T) {
	assertOrder(t, ApplyView(viewFixture(), View{Search: "PASSPORT"}), "b")
	assertOrder(t, ApplyView(viewFixture(), View{Search: "  card "}), "a")
	// Search and filter compose.
	if got := ApplyView(viewFixture(), View{Category: "PAN", Search: "passport"}); len(got) != 0 {
		t.Fatalf("composed view returned %v", ids(got))
	}
}

func TestApplyViewNeverMutatesInput(t *testing.T) {
	docs := viewFixture()
	_ = ApplyView(docs, View{Sort: SortNameDesc})
	assertOrder(t, docs, "a", "b", "c", "d")
}
