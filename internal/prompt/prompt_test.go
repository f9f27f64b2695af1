package prompt

import (
	"bufio"
	"strings"
	"testing"
)

func TestPromptListDefault(t *testing.T) {
	reader := bufio.NewReader(strings.NewReader("\n"))
	got, err := promptList(reader, "Pick one", []string{"a", "b"}, "b")
	if err != nil {
		t.Fatalf("promptList: %v", err)
	}
	if got != "b" {
		t.Fatalf("promptList = %q, want %q", got, "b")
	}
}

func TestPromptListRetriesUntilValid(t *testing.T) {
	reader := bufio.NewReader(strings.NewReader("bogus\nA\n"))
	got, err := promptList(reader, "Pick one", []string{"a", "b"}, "")
	if err != nil {
		t.Fatalf("promptList: %v", err)
	}
	if got != "a" {
		t.Fatalf("promptList = %q, want %q", got, "a")
	}
}

func TestPromptListBool(t *testing.T) {
	reader := bufio.NewReader(strings.NewReader("YES\n"))
	got, err := promptListBool(reader, "Continue?", "no")
	if err != nil {
		t.Fatalf("promptListBool: %v", err)
	}
	if !got {
		t.Fatal("promptListBool = false, want true")
	}
}
