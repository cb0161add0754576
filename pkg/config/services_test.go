package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeServices(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "a314d.conf")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write table: %v", err)
	}
	return path
}

func TestLoadServices(t *testing.T) {
	path := writeServices(t, `
echo /usr/bin/echo-service
disk python3 "/opt/a314/disk daemon.py" --verbose

shell /bin/a314shell -l
`)
	services, err := LoadServices(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(services) != 3 {
		t.Fatalf("got %d services, want 3", len(services))
	}

	if services[0].ServiceName != "echo" || services[0].Program != "/usr/bin/echo-service" {
		t.Fatalf("service 0 = %#v", services[0])
	}
	if len(services[0].Args) != 1 || services[0].Args[0] != "/usr/bin/echo-service" {
		t.Fatalf("service 0 args = %v", services[0].Args)
	}

	if services[1].Program != "python3" {
		t.Fatalf("service 1 program = %q", services[1].Program)
	}
	want := []string{"python3", "/opt/a314/disk daemon.py", "--verbose"}
	if len(services[1].Args) != len(want) {
		t.Fatalf("service 1 args = %v", services[1].Args)
	}
	for i := range want {
		if services[1].Args[i] != want[i] {
			t.Fatalf("service 1 args[%d] = %q, want %q", i, services[1].Args[i], want[i])
		}
	}

	if services[2].ServiceName != "shell" || len(services[2].Args) != 2 {
		t.Fatalf("service 2 = %#v", services[2])
	}
}

func TestLoadServicesSingleColumn(t *testing.T) {
	path := writeServices(t, "lonely\necho /usr/bin/echo-service\n")
	services, err := LoadServices(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(services) != 1 || services[0].ServiceName != "echo" {
		t.Fatalf("services = %#v", services)
	}
}

func TestLoadServicesMissingFile(t *testing.T) {
	services, err := LoadServices(filepath.Join(t.TempDir(), "nope.conf"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if services != nil {
		t.Fatalf("services = %#v", services)
	}
}
