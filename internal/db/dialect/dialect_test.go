package dialect

import "testing"

func TestIsPostgres(t *testing.T) {
	if !IsPostgres(PGX) {
		t.Error("expected pgx to be postgres")
	}
	if IsPostgres(SQLite3) {
		t.Error("expected sqlite3 to not be postgres")
	}
}

func TestJSONExtract(t *testing.T) {
	got := JSONExtract(SQLite3, "params", "model")
	if got != "json_extract(params, '$.model')" {
		t.Errorf("sqlite: got %q", got)
	}
	got = JSONExtract(PGX, "params", "model")
	if got != "params::jsonb#>>'{model}'" {
		t.Errorf("pgx: got %q", got)
	}
}

func TestJSONExtractNestedPath(t *testing.T) {
	got := JSONExtract(SQLite3, "params", "model.name")
	if got != "json_extract(params, '$.model.name')" {
		t.Errorf("sqlite: got %q", got)
	}
	got = JSONExtract(PGX, "params", "model.name")
	if got != "params::jsonb#>>'{model,name}'" {
		t.Errorf("pgx: got %q", got)
	}
}

func TestLike(t *testing.T) {
	if Like(SQLite3) != "LIKE" {
		t.Errorf("sqlite: got %q", Like(SQLite3))
	}
	if Like(PGX) != "ILIKE" {
		t.Errorf("pgx: got %q", Like(PGX))
	}
}
