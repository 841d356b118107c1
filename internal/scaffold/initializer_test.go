package scaffold

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dyluth/warren/internal/config"
)

func TestInitialize(t *testing.T) {
	tests := []struct {
		name      string
		force     bool
		setupFunc func(string)
		wantErr   bool
	}{
		{
			name:  "fresh initialization",
			force: false,
			setupFunc: func(dir string) {
				// No setup needed - clean directory
			},
			wantErr: false,
		},
		{
			name:  "force initialization removes existing files",
			force: true,
			setupFunc: func(dir string) {
				// Create existing files
				os.WriteFile(filepath.Join(dir, "warren.yml"), []byte("old content"), 0644)
				os.MkdirAll(filepath.Join(dir, "collaborators", "old-collab"), 0755)
				os.WriteFile(filepath.Join(dir, "collaborators", "old-collab", "old.txt"), []byte("old"), 0644)
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir, err := os.MkdirTemp("", "init-test-*")
			if err != nil {
				t.Fatal(err)
			}
			defer os.RemoveAll(tmpDir)

			// Change to test directory
			originalDir, err := os.Getwd()
			if err != nil {
				t.Fatal(err)
			}
			defer os.Chdir(originalDir)

			if err := os.Chdir(tmpDir); err != nil {
				t.Fatal(err)
			}

			// Run setup
			tt.setupFunc(tmpDir)

			// Run initialization
			err = Initialize(tt.force)

			if (err != nil) != tt.wantErr {
				t.Errorf("Initialize() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr {
				// Verify all expected files were created
				expectedFiles := []struct {
					path        string
					shouldExist bool
					executable  bool
				}{
					{"warren.yml", true, false},
					{"collaborators/generate.sh", true, true},
					{"collaborators/test.sh", true, true},
					{"collaborators/README.md", true, false},
				}

				for _, ef := range expectedFiles {
					fullPath := filepath.Join(tmpDir, ef.path)
					info, err := os.Stat(fullPath)

					if ef.shouldExist {
						if err != nil {
							t.Errorf("Expected file %s to exist, but got error: %v", ef.path, err)
							continue
						}

						// Check if file should be executable
						if ef.executable {
							mode := info.Mode()
							if mode&0111 == 0 {
								t.Errorf("File %s should be executable, but mode is %v", ef.path, mode)
							}
						}
					} else {
						if err == nil {
							t.Errorf("Expected file %s to not exist, but it does", ef.path)
						}
					}
				}

				// Verify warren.yml loads through the real config loader
				content, err := os.ReadFile(filepath.Join(tmpDir, "warren.yml"))
				if err != nil {
					t.Errorf("Failed to read warren.yml: %v", err)
				}

				cfg, err := config.LoadBytes(content)
				if err != nil {
					t.Errorf("warren.yml does not load: %v", err)
				} else if cfg.Instance != "default" {
					t.Errorf("warren.yml instance = %q, want %q", cfg.Instance, "default")
				}

				// If force was true, verify old files were removed
				if tt.force {
					oldCollabPath := filepath.Join(tmpDir, "collaborators", "old-collab")
					if _, err := os.Stat(oldCollabPath); err == nil {
						t.Errorf("Expected old-collab to be removed, but it still exists")
					}
				}
			}
		})
	}
}

func TestHandleForce(t *testing.T) {
	tests := []struct {
		name      string
		setupFunc func(string)
		wantErr   bool
	}{
		{
			name: "removes existing warren.yml",
			setupFunc: func(dir string) {
				os.WriteFile(filepath.Join(dir, "warren.yml"), []byte("content"), 0644)
			},
			wantErr: false,
		},
		{
			name: "removes existing collaborators directory",
			setupFunc: func(dir string) {
				os.MkdirAll(filepath.Join(dir, "collaborators", "nested"), 0755)
				os.WriteFile(filepath.Join(dir, "collaborators", "nested", "file.txt"), []byte("test"), 0644)
			},
			wantErr: false,
		},
		{
			name: "handles when files don't exist",
			setupFunc: func(dir string) {
				// No files to remove
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir, err := os.MkdirTemp("", "force-test-*")
			if err != nil {
				t.Fatal(err)
			}
			defer os.RemoveAll(tmpDir)

			originalDir, err := os.Getwd()
			if err != nil {
				t.Fatal(err)
			}
			defer os.Chdir(originalDir)

			if err := os.Chdir(tmpDir); err != nil {
				t.Fatal(err)
			}

			tt.setupFunc(tmpDir)

			err = handleForce()

			if (err != nil) != tt.wantErr {
				t.Errorf("handleForce() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			// Verify files were removed
			if _, err := os.Stat(filepath.Join(tmpDir, "warren.yml")); err == nil {
				t.Errorf("warren.yml should have been removed")
			}

			if _, err := os.Stat(filepath.Join(tmpDir, "collaborators")); err == nil {
				t.Errorf("collaborators/ should have been removed")
			}
		})
	}
}

func TestGetTemplateFiles(t *testing.T) {
	files, err := getTemplateFiles()
	if err != nil {
		t.Fatalf("getTemplateFiles() error = %v", err)
	}

	expectedFiles := map[string]struct {
		permissions os.FileMode
	}{
		"warren.yml": {0644},
		filepath.Join("collaborators", "generate.sh"): {0755},
		filepath.Join("collaborators", "test.sh"):     {0755},
		filepath.Join("collaborators", "README.md"):   {0644},
	}

	if len(files) != len(expectedFiles) {
		t.Errorf("getTemplateFiles() returned %d files, want %d", len(files), len(expectedFiles))
	}

	for _, file := range files {
		expected, ok := expectedFiles[file.Path]
		if !ok {
			t.Errorf("Unexpected file in template: %s", file.Path)
			continue
		}

		if file.Permissions != expected.permissions {
			t.Errorf("File %s has permissions %v, want %v", file.Path, file.Permissions, expected.permissions)
		}

		if len(file.Content) == 0 {
			t.Errorf("File %s has empty content", file.Path)
		}
	}
}

func TestWriteFiles(t *testing.T) {
	tests := []struct {
		name    string
		files   []FileInfo
		wantErr bool
	}{
		{
			name: "successful write",
			files: []FileInfo{
				{
					Path:        "test.txt",
					Content:     []byte("test content"),
					Permissions: 0644,
				},
				{
					Path:        "script.sh",
					Content:     []byte("#!/bin/sh\necho test"),
					Permissions: 0755,
				},
			},
			wantErr: false,
		},
		{
			name: "fails when directory doesn't exist",
			files: []FileInfo{
				{
					Path:        "nonexistent/dir/file.txt",
					Content:     []byte("test"),
					Permissions: 0644,
				},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir, err := os.MkdirTemp("", "write-files-test-*")
			if err != nil {
				t.Fatal(err)
			}
			defer os.RemoveAll(tmpDir)

			originalDir, err := os.Getwd()
			if err != nil {
				t.Fatal(err)
			}
			defer os.Chdir(originalDir)

			if err := os.Chdir(tmpDir); err != nil {
				t.Fatal(err)
			}

			err = writeFiles(tt.files)

			if (err != nil) != tt.wantErr {
				t.Errorf("writeFiles() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr {
				for _, file := range tt.files {
					fullPath := filepath.Join(tmpDir, file.Path)

					// Check file exists
					info, err := os.Stat(fullPath)
					if err != nil {
						t.Errorf("Expected file %s to exist, but got error: %v", file.Path, err)
						continue
					}

					// Check permissions
					if info.Mode().Perm() != file.Permissions {
						t.Errorf("File %s has permissions %v, want %v", file.Path, info.Mode().Perm(), file.Permissions)
					}

					// Check content
					content, err := os.ReadFile(fullPath)
					if err != nil {
						t.Errorf("Failed to read file %s: %v", file.Path, err)
						continue
					}

					if string(content) != string(file.Content) {
						t.Errorf("File %s has content %q, want %q", file.Path, content, file.Content)
					}
				}
			}
		})
	}
}

func TestValidateCreatedFiles(t *testing.T) {
	tests := []struct {
		name      string
		setupFunc func(string)
		wantErr   bool
	}{
		{
			name: "minimal valid config",
			setupFunc: func(dir string) {
				validYaml := `instance: demo
collaborators:
  generator:
    kind: exec
    command: ["./gen.sh"]
  tester:
    kind: exec
    command: ["./check.sh"]
`
				os.WriteFile(filepath.Join(dir, "warren.yml"), []byte(validYaml), 0644)
			},
			wantErr: false,
		},
		{
			name: "invalid YAML syntax",
			setupFunc: func(dir string) {
				invalidYaml := `instance: demo
redis:
  url: redis://localhost:6379/0
  - invalid syntax
`
				os.WriteFile(filepath.Join(dir, "warren.yml"), []byte(invalidYaml), 0644)
			},
			wantErr: true,
		},
		{
			name: "valid YAML that fails config validation",
			setupFunc: func(dir string) {
				badConfig := `instance: "NOT A VALID NAME"
`
				os.WriteFile(filepath.Join(dir, "warren.yml"), []byte(badConfig), 0644)
			},
			wantErr: true,
		},
		{
			name: "missing file",
			setupFunc: func(dir string) {
				// Don't create warren.yml
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir, err := os.MkdirTemp("", "validate-test-*")
			if err != nil {
				t.Fatal(err)
			}
			defer os.RemoveAll(tmpDir)

			originalDir, err := os.Getwd()
			if err != nil {
				t.Fatal(err)
			}
			defer os.Chdir(originalDir)

			if err := os.Chdir(tmpDir); err != nil {
				t.Fatal(err)
			}

			tt.setupFunc(tmpDir)

			err = validateCreatedFiles()

			if (err != nil) != tt.wantErr {
				t.Errorf("validateCreatedFiles() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
