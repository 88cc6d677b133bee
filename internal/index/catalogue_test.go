package index

import (
	"context"
	"testing"
	"time"

	"github.com/arkilian/lens/internal/cache"
	"github.com/arkilian/lens/internal/db"
	"github.com/arkilian/lens/internal/db/dbtest"
	lenserrors "github.com/arkilian/lens/internal/errors"
	"github.com/arkilian/lens/internal/ident"
	"github.com/arkilian/lens/internal/manifest"
	"github.com/arkilian/lens/internal/registry"
	"github.com/arkilian/lens/pkg/types"
)

func newTestCatalogue(t *testing.T) (*Catalogue, *registry.Registry) {
	t.Helper()
	d := dbtest.Open(t)
	if _, err := manifest.NewSchemaVersionManager(d).Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	catalog := manifest.NewCatalog(d)
	c := cache.NewCatalog(time.Minute)
	reg := registry.New(catalog, c, ident.System{})
	return NewCatalogue(catalog, reg, c, ident.System{}), reg
}

func TestParseType(t *testing.T) {
	for _, s := range []string{"text", "TEXT", " Int "} {
		if _, err := ParseType(s); err != nil {
			t.Errorf("ParseType(%q): %v", s, err)
		}
	}
	if _, err := ParseType("BLOB"); !lenserrors.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestCreate_TextIndex(t *testing.T) {
	c, reg := newTestCatalogue(t)
	ctx := context.Background()

	if _, err := reg.Create(ctx, "clicks"); err != nil {
		t.Fatalf("create sink: %v", err)
	}
	uuid, err := c.Create(ctx, "clicks", "User", types.IndexText, 20)
	if err != nil {
		t.Fatalf("create index: %v", err)
	}

	sink, _ := reg.Lookup(ctx, "clicks")
	idx, err := c.FindByName(ctx, sink.UUID, "user")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if idx.UUID != uuid || idx.Length != 20 || idx.Type != types.IndexText {
		t.Errorf("index: %+v", idx)
	}

	cols, err := c.db.Columns(ctx, "lens_clicks")
	if err != nil {
		t.Fatalf("columns: %v", err)
	}
	if !cols["user"] {
		t.Error("index column not added")
	}
}

func TestCreate_IntIgnoresLength(t *testing.T) {
	c, reg := newTestCatalogue(t)
	ctx := context.Background()

	if _, err := reg.Create(ctx, "orders"); err != nil {
		t.Fatalf("create sink: %v", err)
	}
	if _, err := c.Create(ctx, "orders", "amount", types.IndexInt, 999); err != nil {
		t.Fatalf("create index: %v", err)
	}
	sink, _ := reg.Lookup(ctx, "orders")
	list, err := c.ListForSink(ctx, sink.UUID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Length != 0 {
		t.Errorf("list: %+v", list)
	}
}

func TestCreate_Errors(t *testing.T) {
	c, reg := newTestCatalogue(t)
	ctx := context.Background()

	if _, err := reg.Create(ctx, "clicks"); err != nil {
		t.Fatalf("create sink: %v", err)
	}
	if _, err := c.Create(ctx, "clicks", "user", types.IndexText, 10); err != nil {
		t.Fatalf("create index: %v", err)
	}

	tests := []struct {
		name     string
		sink     string
		index    string
		typ      types.IndexType
		length   int
		category lenserrors.ErrorCategory
	}{
		{"duplicate", "clicks", "user", types.IndexText, 10, lenserrors.ErrCategoryConflict},
		{"duplicate case-folded", "clicks", "USER", types.IndexInt, 0, lenserrors.ErrCategoryConflict},
		{"missing sink", "ghost", "user", types.IndexText, 10, lenserrors.ErrCategoryNotFound},
		{"zero length", "clicks", "page", types.IndexText, 0, lenserrors.ErrCategoryValidation},
		{"too long", "clicks", "page", types.IndexText, 256, lenserrors.ErrCategoryValidation},
		{"bad type", "clicks", "page", types.IndexType("BLOB"), 10, lenserrors.ErrCategoryValidation},
		{"bad name", "clicks", "pa-ge", types.IndexText, 10, lenserrors.ErrCategoryValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Create(ctx, tt.sink, tt.index, tt.typ, tt.length)
			if got := lenserrors.GetCategory(err); got != tt.category {
				t.Errorf("category: got %q (%v), want %q", got, err, tt.category)
			}
		})
	}
}

func TestCreate_MarksEventsDirty(t *testing.T) {
	c, reg := newTestCatalogue(t)
	ctx := context.Background()

	if _, err := reg.Create(ctx, "clicks"); err != nil {
		t.Fatalf("create sink: %v", err)
	}
	_, err := c.db.Exec(ctx, c.db.SQL(), c.db.Builder().
		Insert("lens_clicks").
		Columns("_uuid", "_timestamp", "_dirty", "_data").
		Values("e1", "2024-01-01 00:00:00", db.FlagNo, "{}"))
	if err != nil {
		t.Fatalf("seed event: %v", err)
	}

	if _, err := c.Create(ctx, "clicks", "user", types.IndexText, 10); err != nil {
		t.Fatalf("create index: %v", err)
	}

	var dirty string
	if err := c.db.QueryRow(ctx, c.db.SQL(), c.db.Builder().
		Select("_dirty").From("lens_clicks"), &dirty); err != nil {
		t.Fatalf("read dirty: %v", err)
	}
	if dirty != db.FlagYes {
		t.Errorf("dirty: got %q, want Y", dirty)
	}
}

func TestListForSink_InvalidatedOnCreate(t *testing.T) {
	c, reg := newTestCatalogue(t)
	ctx := context.Background()

	if _, err := reg.Create(ctx, "clicks"); err != nil {
		t.Fatalf("create sink: %v", err)
	}
	sink, _ := reg.Lookup(ctx, "clicks")

	list, err := c.ListForSink(ctx, sink.UUID)
	if err != nil || len(list) != 0 {
		t.Fatalf("initial list: %v %v", list, err)
	}
	if _, err := c.Create(ctx, "clicks", "user", types.IndexText, 10); err != nil {
		t.Fatalf("create index: %v", err)
	}
	list, err = c.ListForSink(ctx, sink.UUID)
	if err != nil || len(list) != 1 {
		t.Errorf("list after create: %v %v", list, err)
	}
}
