package dbmon

import "testing"

func TestNormalizeReplacesLiterals(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			"numbers",
			"SELECT * FROM technical_signals WHERE id = 42",
			"SELECT * FROM technical_signals WHERE id = ?",
		},
		{
			"strings",
			"SELECT id FROM technical_signals WHERE symbol = 'BTCUSDT'",
			"SELECT id FROM technical_signals WHERE symbol = ?",
		},
		{
			"placeholders",
			"UPDATE signal_outcomes SET is_complete = $1 WHERE id = $2",
			"UPDATE signal_outcomes SET is_complete = ? WHERE id = ?",
		},
		{
			"whitespace",
			"SELECT  id\n\tFROM   technical_signals",
			"SELECT id FROM technical_signals",
		},
		{
			"decimal and quoted with spaces",
			"INSERT INTO t (a, b) VALUES (3.14, 'a b  c')",
			"INSERT INTO t (a, b) VALUES (?, ?)",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Normalize(tc.in); got != tc.want {
				t.Errorf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	queries := []string{
		"SELECT * FROM t WHERE a = 1 AND b = 'x'",
		"UPDATE signal_outcomes SET price_1h = $1 WHERE id = $2",
		"INSERT INTO slow_query_logs (query_hash) VALUES ('abc123')",
	}
	for _, q := range queries {
		once := Normalize(q)
		twice := Normalize(once)
		if once != twice {
			t.Errorf("not idempotent:\nonce:  %q\ntwice: %q", once, twice)
		}
	}
}

func TestQueryHashStableAcrossLiterals(t *testing.T) {
	a := QueryHash("SELECT id FROM technical_signals WHERE symbol = 'BTCUSDT' AND id > 10")
	b := QueryHash("SELECT id FROM technical_signals WHERE symbol = '^IXIC'   AND id > 999")
	if a != b {
		t.Errorf("hashes differ for literal-only variation: %s vs %s", a, b)
	}
	if len(a) != 12 {
		t.Errorf("hash length = %d, want 12", len(a))
	}

	c := QueryHash("SELECT id FROM signal_outcomes WHERE signal_id = 10")
	if a == c {
		t.Error("different templates must hash differently")
	}
}

func TestOperationType(t *testing.T) {
	cases := map[string]string{
		"SELECT 1":                         "select",
		"WITH x AS (SELECT 1) SELECT 2":    "select",
		"INSERT INTO t VALUES (1)":         "insert",
		"UPDATE t SET a = 1":               "update",
		"DELETE FROM t":                    "delete",
		"CREATE TABLE t (id INT)":          "ddl",
		"ALTER TABLE t ADD COLUMN b INT":   "ddl",
		"EXPLAIN SELECT 1":                 "other",
		"":                                 "other",
	}
	for q, want := range cases {
		if got := OperationType(q); got != want {
			t.Errorf("OperationType(%q) = %q, want %q", q, got, want)
		}
	}
}

func TestTableNames(t *testing.T) {
	got := TableNames(`SELECT s.id FROM technical_signals s
		LEFT JOIN signal_outcomes o ON o.signal_id = s.id`)
	want := []string{"technical_signals", "signal_outcomes"}
	if len(got) != len(want) {
		t.Fatalf("tables = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("tables[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	got = TableNames("INSERT INTO public.slow_query_logs (a) VALUES (1)")
	if len(got) != 1 || got[0] != "slow_query_logs" {
		t.Errorf("schema-qualified insert tables = %v", got)
	}
}
