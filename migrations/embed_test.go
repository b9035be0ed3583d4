package migrations

import (
	"testing"
)

func TestListReturnsSortedPairs(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	files, err := List()
	if err != nil {
		t.Fatalf("List() unexpected error: %v", err)
	}

	if len(files) == 0 {
		t.Fatal("List() returned no embedded migrations")
	}

	// Up and down files come in pairs
	if len(files)%2 != 0 {
		t.Errorf("List() returned %d files, want an even count", len(files))
	}

	for i := 1; i < len(files); i++ {
		if files[i-1] >= files[i] {
			t.Errorf("List() not sorted: %q before %q", files[i-1], files[i])
		}
	}
}

func TestParse(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	info, err := Parse("002_create_event_outbox.up.sql")
	if err != nil {
		t.Fatalf("Parse() unexpected error: %v", err)
	}

	if info.Sequence != 2 || info.Name != "create_event_outbox" || info.Direction != "up" {
		t.Errorf("Parse() = %+v, want sequence 2 / create_event_outbox / up", info)
	}
}

func TestParseRejectsMalformedNames(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	malformed := []string{
		"1_short_sequence.up.sql",
		"001_no_direction.sql",
		"001_bad-chars.up.sql",
		"001_sideways.left.sql",
		"notes.txt",
	}

	for _, name := range malformed {
		if _, err := Parse(name); err == nil {
			t.Errorf("Parse(%q) expected error, got nil", name)
		}
	}
}

func TestValidateEmbeddedSet(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	if err := Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}

func TestMaxVersionMatchesEmbeddedSet(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	files, err := List()
	if err != nil {
		t.Fatalf("List() unexpected error: %v", err)
	}

	want := 0

	for _, file := range files {
		info, err := Parse(file)
		if err != nil {
			t.Fatalf("Parse(%q) unexpected error: %v", file, err)
		}

		if info.Sequence > want {
			want = info.Sequence
		}
	}

	if got := MaxVersion(); got != want {
		t.Errorf("MaxVersion() = %d, want %d", got, want)
	}
}
