package archive

import "testing"

func TestCustomizeContentsAppendsUserSettingsBanner(t *testing.T) {
	got, err := CustomizeContents("line one\n", []string{"extra = 1", "more = 2"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "line one\n\n# User settings\nextra = 1\nmore = 2\n"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestCustomizeContentsScalarSubstitution(t *testing.T) {
	got, err := CustomizeContents("ebeam1 = $ebeam1\n", nil, map[string]interface{}{"ebeam1": 6.5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "ebeam1 = 6.5\n"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestCustomizeContentsListExpansionIndented(t *testing.T) {
	source := "    decays = $decays\nend\n"
	got, err := CustomizeContents(source, nil, map[string]interface{}{
		"decays": []string{"23 11 -11", "23 13 -13"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "    decays = 23 11 -11,\n    23 13 -13\nend\n"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestCustomizeContentsAlwaysEndsWithSingleNewline(t *testing.T) {
	got, err := CustomizeContents("no trailing newline", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "no trailing newline\n" {
		t.Errorf("got %q", got)
	}

	got, err = CustomizeContents("trailing newlines\n\n\n", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "trailing newlines\n" {
		t.Errorf("got %q", got)
	}
}

func TestRunCardStem(t *testing.T) {
	testCases := map[string]string{
		"nlo_template.input":     "nlo_template",
		"process.dat.template":   "process",
		"no_extension":           "no_extension",
	}
	for input, want := range testCases {
		if got := runCardStem(input); got != want {
			t.Errorf("runCardStem(%q) = %q, want %q", input, got, want)
		}
	}
}
