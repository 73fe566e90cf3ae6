package main

import (
	"path/filepath"
	"reflect"
	"testing"

	"github.com/xiaopang/aiswitch/internal/config"
	"github.com/xiaopang/aiswitch/internal/model"
)

func TestParseApps(t *testing.T) {
	tests := []struct {
		args    []string
		want    []model.AppType
		wantErr bool
	}{
		{args: nil, want: nil},
		{args: []string{"claude"}, want: []model.AppType{model.AppClaude}},
		{args: []string{"claude,codex", "gemini"}, want: []model.AppType{model.AppClaude, model.AppCodex, model.AppGemini}},
		{args: []string{"codex, codex,"}, want: []model.AppType{model.AppCodex}},
		{args: []string{"vim"}, wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseApps(tt.args)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseApps(%v) error = %v", tt.args, err)
			continue
		}
		if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
			t.Errorf("parseApps(%v) = %v, want %v", tt.args, got, tt.want)
		}
	}
}

func TestInitConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aiswitch", "config.yaml")

	if _, err := initConfig(path, false); err != nil {
		t.Fatalf("initConfig: %v", err)
	}
	loaded, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Proxy.ListenPort != 15721 || loaded.Proxy.ListenAddress != "127.0.0.1" {
		t.Errorf("written defaults = %+v", loaded.Proxy)
	}

	if _, err := initConfig(path, false); err == nil {
		t.Error("existing file must not be overwritten without force")
	}
	if _, err := initConfig(path, true); err != nil {
		t.Errorf("force overwrite: %v", err)
	}
}
