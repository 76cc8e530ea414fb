package settings

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(a *Arguments, dir string)
		wantErr bool
	}{
		{"defaults", func(a *Arguments, dir string) {}, false},
		{"missing data dir is created", func(a *Arguments, dir string) { a.DataDir = filepath.Join(dir, "new", "data") }, false},
		{"log dir is created", func(a *Arguments, dir string) { a.LogDir = filepath.Join(dir, "logs") }, false},
		{"empty data dir", func(a *Arguments, dir string) { a.DataDir = "" }, true},
		{"data dir is a file", func(a *Arguments, dir string) {
			path := filepath.Join(dir, "file")
			os.WriteFile(path, nil, 0644)
			a.DataDir = path
		}, true},
		{"unknown sync policy", func(a *Arguments, dir string) { a.SyncPolicy = "sometimes" }, true},
		{"zero interval", func(a *Arguments, dir string) { a.SyncPolicy, a.SyncInterval = SyncInterval, 0 }, true},
		{"zero interval ignored for never", func(a *Arguments, dir string) { a.SyncPolicy, a.SyncInterval = SyncNever, 0 }, false},
		{"negative journal size", func(a *Arguments, dir string) { a.MaxJournalFileSize = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			args := Defaults()
			args.DataDir = filepath.Join(dir, "data")
			tt.modify(args, dir)

			err := args.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if info, err := os.Stat(args.DataDir); err != nil || !info.IsDir() {
				t.Errorf("Data directory %s was not created: %v", args.DataDir, err)
			}
			if args.LogDir != "" {
				if _, err := os.Stat(args.LogDir); err != nil {
					t.Errorf("Log directory %s was not created: %v", args.LogDir, err)
				}
			}
		})
	}
}

func TestGetSettingsReturnsOneInstance(t *testing.T) {
	if GetSettings() != GetSettings() {
		t.Error("GetSettings should return the same instance")
	}
	if GetSettings().SyncPolicy != SyncAlways {
		t.Errorf("Unexpected default sync policy %q", GetSettings().SyncPolicy)
	}
}
