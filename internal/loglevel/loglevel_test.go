package loglevel

import (
	"bytes"
	"log"
	"testing"
)

func TestIgnoreMutesTag(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(nil)

	SetMinLevel(Debug)
	SetIgnore("warn")
	defer SetIgnore("")

	Warnf("should not appear")
	if buf.Len() != 0 {
		t.Fatalf("expected no output, got %q", buf.String())
	}

	Infof("should appear")
	if buf.Len() == 0 {
		t.Fatalf("expected output for non-ignored tag")
	}
}

func TestMinLevelFiltersBelow(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(nil)

	SetIgnore("")
	SetMinLevel(Warn)
	defer SetMinLevel(Info)

	Infof("filtered out")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered below warn, got %q", buf.String())
	}

	Errorf("passes through")
	if buf.Len() == 0 {
		t.Fatalf("expected error to pass through")
	}
}
