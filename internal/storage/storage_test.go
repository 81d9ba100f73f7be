package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestClean(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "s1/0.bin", want: "s1/0.bin"},
		{in: "/s1//0.bin", want: "s1/0.bin"},
		{in: "../../etc/passwd", want: "etc/passwd"},
		{in: "s1\\..\\x.json", want: "x.json"},
		{in: "", wantErr: true},
		{in: "..", wantErr: true},
	}
	for _, tt := range tests {
		got, err := Clean(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("Clean(%q) = %q, want error", tt.in, got)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("Clean(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestLocalStorage_roundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewLocalStorage(filepath.Join(dir, "captures"))
	if err != nil {
		t.Fatalf("NewLocalStorage: %v", err)
	}
	defer s.Close()

	if err := s.Write(ctx, "s1/1.bin", []byte{1, 2, 3}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Write(ctx, "s1/0.bin", []byte{9}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := s.Read(ctx, "s1/1.bin")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !reflect.DeepEqual(got, []byte{1, 2, 3}) {
		t.Errorf("Read = %v", got)
	}

	ok, err := s.Exists(ctx, "s1/0.bin")
	if err != nil || !ok {
		t.Errorf("Exists = %v, %v", ok, err)
	}

	files, err := s.List(ctx, "s1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if want := []string{"0.bin", "1.bin"}; !reflect.DeepEqual(files, want) {
		t.Errorf("List = %v, want %v", files, want)
	}

	if err := s.Delete(ctx, "s1/0.bin"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "s1/0.bin"); err != nil {
		t.Errorf("Delete of missing file: %v", err)
	}
	if ok, _ := s.Exists(ctx, "s1/0.bin"); ok {
		t.Error("file still exists after Delete")
	}
}

func TestLocalStorage_missing(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Read(ctx, "nope.bin"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Read missing = %v, want ErrNotFound", err)
	}
	files, err := s.List(ctx, "nope")
	if err != nil || len(files) != 0 {
		t.Errorf("List missing = %v, %v", files, err)
	}
}

func TestLocalStorage_staysInsideBase(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	base := filepath.Join(root, "base")
	s, err := NewLocalStorage(base)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Write(ctx, "../escape.bin", []byte{1}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "escape.bin")); !os.IsNotExist(err) {
		t.Error("write escaped the base directory")
	}
	if _, err := os.Stat(filepath.Join(base, "escape.bin")); err != nil {
		t.Errorf("expected file inside base: %v", err)
	}
}
