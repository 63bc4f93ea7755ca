package tabular

import (
	"strings"
	"testing"
)

func TestLoadAndProfile(t *testing.T) {
	const data = `id,name,score,active,joined
1,alice,9.5,true,2024-01-15
2,bob,7.25,false,2024-02-20
3,,8.0,true,2024-03-05
`
	table, err := Load(strings.NewReader(data), "users.csv")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(table.Records) != 3 {
		t.Fatalf("records = %d, want 3", len(table.Records))
	}

	p := table.Profile()
	if p.Rows != 3 {
		t.Errorf("Rows = %d, want 3", p.Rows)
	}

	want := map[string]ColumnType{
		"id":     TypeInteger,
		"name":   TypeString,
		"score":  TypeFloat,
		"active": TypeBoolean,
		"joined": TypeDate,
	}
	for _, col := range p.Columns {
		if got := col.Type; got != want[col.Name] {
			t.Errorf("column %s type = %s, want %s", col.Name, got, want[col.Name])
		}
	}

	// The empty name cell is a null, not a value.
	for _, col := range p.Columns {
		if col.Name == "name" && col.NonNull != 2 {
			t.Errorf("name NonNull = %d, want 2", col.NonNull)
		}
	}
}

func TestLoadRejectsEmptyInput(t *testing.T) {
	if _, err := Load(strings.NewReader(""), "empty.csv"); err == nil {
		t.Error("empty input accepted")
	}
}

func TestLoadRejectsRaggedRows(t *testing.T) {
	if _, err := Load(strings.NewReader("a,b\n1,2,3\n"), "ragged.csv"); err == nil {
		t.Error("ragged row accepted")
	}
}

func TestInfer(t *testing.T) {
	cases := []struct {
		name   string
		values []string
		want   ColumnType
	}{
		{"integers", []string{"1", "-2", "300"}, TypeInteger},
		{"floats", []string{"1.5", "2"}, TypeFloat},
		{"booleans", []string{"true", "FALSE", "yes"}, TypeBoolean},
		{"dates", []string{"2024-01-01", "2024/06/30"}, TypeDate},
		{"mixed", []string{"1", "abc"}, TypeString},
		{"empty", nil, TypeString},
		{"whitespace tolerated", []string{" 1 ", "2"}, TypeInteger},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Infer(tc.values); got != tc.want {
				t.Errorf("Infer(%v) = %s, want %s", tc.values, got, tc.want)
			}
		})
	}
}

func TestProfileSampleCap(t *testing.T) {
	rows := []string{"v"}
	for i := 0; i < 20; i++ {
		rows = append(rows, string(rune('a'+i)))
	}
	table, err := Load(strings.NewReader(strings.Join(rows, "\n")+"\n"), "many.csv")
	if err != nil {
		t.Fatal(err)
	}
	p := table.Profile()
	if got := len(p.Columns[0].Samples); got > maxSampleValues {
		t.Errorf("samples = %d, want at most %d", got, maxSampleValues)
	}
}
