package scaffold

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCheckExisting(t *testing.T) {
	tests := []struct {
		name      string
		setupFunc func() (string, func())
		wantErr   bool
		errMsg    string
	}{
		{
			name: "no existing files",
			setupFunc: func() (string, func()) {
				tmpDir, err := os.MkdirTemp("", "scaffold-test-*")
				if err != nil {
					t.Fatal(err)
				}
				return tmpDir, func() { os.RemoveAll(tmpDir) }
			},
			wantErr: false,
		},
		{
			name: "existing warren.yml only",
			setupFunc: func() (string, func()) {
				tmpDir, err := os.MkdirTemp("", "scaffold-test-*")
				if err != nil {
					t.Fatal(err)
				}
				warrenYml := filepath.Join(tmpDir, "warren.yml")
				if err := os.WriteFile(warrenYml, []byte("instance: demo"), 0644); err != nil {
					os.RemoveAll(tmpDir)
					t.Fatal(err)
				}
				return tmpDir, func() { os.RemoveAll(tmpDir) }
			},
			wantErr: true,
			errMsg:  "warren.yml",
		},
		{
			name: "existing collaborators/ directory only",
			setupFunc: func() (string, func()) {
				tmpDir, err := os.MkdirTemp("", "scaffold-test-*")
				if err != nil {
					t.Fatal(err)
				}
				collabDir := filepath.Join(tmpDir, "collaborators")
				if err := os.MkdirAll(collabDir, 0755); err != nil {
					os.RemoveAll(tmpDir)
					t.Fatal(err)
				}
				return tmpDir, func() { os.RemoveAll(tmpDir) }
			},
			wantErr: true,
			errMsg:  "collaborators/",
		},
		{
			name: "both warren.yml and collaborators/ exist",
			setupFunc: func() (string, func()) {
				tmpDir, err := os.MkdirTemp("", "scaffold-test-*")
				if err != nil {
					t.Fatal(err)
				}
				warrenYml := filepath.Join(tmpDir, "warren.yml")
				if err := os.WriteFile(warrenYml, []byte("instance: demo"), 0644); err != nil {
					os.RemoveAll(tmpDir)
					t.Fatal(err)
				}
				collabDir := filepath.Join(tmpDir, "collaborators")
				if err := os.MkdirAll(collabDir, 0755); err != nil {
					os.RemoveAll(tmpDir)
					t.Fatal(err)
				}
				return tmpDir, func() { os.RemoveAll(tmpDir) }
			},
			wantErr: true,
			errMsg:  "project already initialized",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir, cleanup := tt.setupFunc()
			defer cleanup()

			// Change to test directory
			originalDir, err := os.Getwd()
			if err != nil {
				t.Fatal(err)
			}
			defer os.Chdir(originalDir)

			if err := os.Chdir(dir); err != nil {
				t.Fatal(err)
			}

			err = CheckExisting()

			if (err != nil) != tt.wantErr {
				t.Errorf("CheckExisting() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if tt.wantErr && err != nil {
				if tt.errMsg != "" && !contains(err.Error(), tt.errMsg) {
					t.Errorf("CheckExisting() error = %v, should contain %v", err.Error(), tt.errMsg)
				}
			}
		})
	}
}

func contains(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
