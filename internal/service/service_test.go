package service

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestOptionsArgs(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want []string
	}{
		{"defaults", Options{}, []string{"serve"}},
		{"host and port", Options{Host: "0.0.0.0", Port: 4000}, []string{"serve", "-host", "0.0.0.0", "-port", "4000"}},
		{"mdns", Options{MDNS: true}, []string{"serve", "-mdns"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.opts.Args(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Args() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWriteTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "out.txt")

	err := writeTemplate(path, "test", `run {{join .Args ","}}`, struct{ Args []string }{[]string{"a", "b"}})
	if err != nil {
		t.Fatalf("writeTemplate() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read output: %v", err)
	}
	if string(data) != "run a,b" {
		t.Errorf("unexpected output %q", data)
	}
}

func TestWriteTemplate_BadTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")

	if err := writeTemplate(path, "test", "{{.Missing", nil); err == nil {
		t.Error("expected parse error")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("no file should be written for a bad template")
	}
}
