package deploy

import (
	"strings"
	"testing"
)

func TestValidateComposeHappyPath(t *testing.T) {
	content := `
services:
  db:
    image: postgres:16
    environment:
      POSTGRES_PASSWORD: secret
    volumes:
      - dbdata:/var/lib/postgresql/data
  web:
    image: nginx:alpine
    ports:
      - "8080:80"
    depends_on:
      - db
volumes:
  dbdata:
`
	cf, order, err := ValidateCompose(content)
	if err != nil {
		t.Fatalf("ValidateCompose: %v", err)
	}
	if len(cf.Services) != 2 {
		t.Errorf("services = %d, want 2", len(cf.Services))
	}
	if len(order) != 2 || order[0] != "db" || order[1] != "web" {
		t.Errorf("order = %v, want [db web]", order)
	}
	if cf.Services["db"].Environment["POSTGRES_PASSWORD"] != "secret" {
		t.Error("environment map form not parsed")
	}
}

func TestValidateComposeRejections(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			"no services",
			"services: {}\n",
			"no services",
		},
		{
			"missing image and build",
			"services:\n  web:\n    restart: always\n",
			"needs image or build",
		},
		{
			"bad port mapping",
			"services:\n  web:\n    image: nginx\n    ports:\n      - \"http:80\"\n",
			"invalid port mapping",
		},
		{
			"network_mode with networks",
			"services:\n  web:\n    image: nginx\n    network_mode: host\n    networks:\n      - backend\n",
			"mutually exclusive",
		},
		{
			"self dependency",
			"services:\n  web:\n    image: nginx\n    depends_on:\n      - web\n",
			"depends on itself",
		},
		{
			"unknown dependency",
			"services:\n  web:\n    image: nginx\n    depends_on:\n      - ghost\n",
			"unknown service",
		},
		{
			"dependency cycle",
			"services:\n  a:\n    image: x\n    depends_on: [b]\n  b:\n    image: x\n    depends_on: [a]\n",
			"cycle",
		},
		{
			"executable yaml tag",
			"services: !!python/object/apply:os.system [\"id\"]\n",
			"unsafe YAML tag",
		},
		{
			"empty network_mode",
			"services:\n  web:\n    image: nginx\n    network_mode: ''\n",
			"network_mode must not be empty",
		},
		{
			"devices as scalar",
			"services:\n  web:\n    image: nginx\n    devices: /dev/snd\n",
			"devices must be a list",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ValidateCompose(tt.content)
			if err == nil {
				t.Fatal("want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestFlexibleForms(t *testing.T) {
	content := `
services:
  web:
    image: nginx
    environment:
      - FOO=bar
      - EMPTY
    extra_hosts:
      db.internal: 10.0.0.5
      cache.internal: 10.0.0.6
    command: nginx -g "daemon off;"
    depends_on:
      db:
        condition: service_healthy
  db:
    image: postgres
`
	cf, order, err := ValidateCompose(content)
	if err != nil {
		t.Fatalf("ValidateCompose: %v", err)
	}
	web := cf.Services["web"]
	if web.Environment["FOO"] != "bar" {
		t.Error("environment list form not parsed")
	}
	if _, ok := web.Environment["EMPTY"]; !ok {
		t.Error("bare environment key dropped")
	}
	if len(web.ExtraHosts) != 2 || web.ExtraHosts[0] != "cache.internal:10.0.0.6" {
		t.Errorf("extra_hosts = %v", web.ExtraHosts)
	}
	if len(web.Command) != 1 {
		t.Errorf("scalar command = %v, want single entry", web.Command)
	}
	if len(web.DependsOn) != 1 || web.DependsOn[0] != "db" {
		t.Errorf("depends_on map form = %v", web.DependsOn)
	}
	if order[0] != "db" {
		t.Errorf("order = %v, want db first", order)
	}
}

func TestResourcePrecedence(t *testing.T) {
	content := `
services:
  web:
    image: nginx
    mem_limit: 256m
    cpus: 0.5
    deploy:
      resources:
        limits:
          memory: 512m
          cpus: "1.5"
`
	cf, _, err := ValidateCompose(content)
	if err != nil {
		t.Fatal(err)
	}
	mem, cpus, err := resources(cf.Services["web"])
	if err != nil {
		t.Fatal(err)
	}
	if mem != 512<<20 {
		t.Errorf("memory = %d, want v3 limit %d", mem, int64(512<<20))
	}
	if cpus != 1_500_000_000 {
		t.Errorf("nanoCPUs = %d, want 1.5 CPUs", cpus)
	}
}

func TestResourceV2Fallback(t *testing.T) {
	mem, cpus, err := resources(Service{MemLimit: "1g", CPUs: 2})
	if err != nil {
		t.Fatal(err)
	}
	if mem != 1<<30 {
		t.Errorf("memory = %d", mem)
	}
	if cpus != 2_000_000_000 {
		t.Errorf("nanoCPUs = %d", cpus)
	}
}

func TestMemoryBytes(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"", 0},
		{"1024", 1024},
		{"512k", 512 << 10},
		{"256m", 256 << 20},
		{"2g", 2 << 30},
		{"1GB", 1 << 30},
	}
	for _, tt := range tests {
		got, err := memoryBytes(tt.in)
		if err != nil {
			t.Errorf("memoryBytes(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("memoryBytes(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
	if _, err := memoryBytes("lots"); err == nil {
		t.Error("want error for non-numeric value")
	}
}

func TestStartupOrderDeterministic(t *testing.T) {
	services := map[string]Service{
		"a": {DependsOn: NameList{"c"}},
		"b": {DependsOn: NameList{"c"}},
		"c": {},
		"d": {},
	}
	order, err := startupOrder(services)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"c", "d", "a", "b"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}
