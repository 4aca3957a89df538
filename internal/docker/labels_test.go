package docker

import (
	"reflect"
	"testing"
)

func TestDerivedTags(t *testing.T) {
	tests := []struct {
		name   string
		labels map[string]string
		want   []string
	}{
		{"no labels", map[string]string{}, nil},
		{"compose project", map[string]string{"com.docker.compose.project": "media"}, []string{"compose:media"}},
		{"swarm service", map[string]string{"com.docker.swarm.service": "web"}, []string{"swarm:web"}},
		{"explicit list", map[string]string{"dockmon.tag": "prod, edge"}, []string{"edge", "prod"}},
		{"explicit empty entries", map[string]string{"dockmon.tag": " , ,prod,"}, []string{"prod"}},
		{
			"all sources sorted",
			map[string]string{
				"com.docker.compose.project": "media",
				"dockmon.tag":                "zz,aa",
			},
			[]string{"aa", "compose:media", "zz"},
		},
		{"duplicates collapse", map[string]string{"dockmon.tag": "prod,prod"}, []string{"prod"}},
		{"unrelated labels ignored", map[string]string{"maintainer": "x"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DerivedTags(tt.labels)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("DerivedTags() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUserLabels(t *testing.T) {
	tests := []struct {
		name      string
		container map[string]string
		image     map[string]string
		want      map[string]string
	}{
		{
			"image defaults removed",
			map[string]string{"maintainer": "nginx docs", "traefik.enable": "true"},
			map[string]string{"maintainer": "nginx docs"},
			map[string]string{"traefik.enable": "true"},
		},
		{
			"changed value survives",
			map[string]string{"maintainer": "ops@example.com"},
			map[string]string{"maintainer": "nginx docs"},
			map[string]string{"maintainer": "ops@example.com"},
		},
		{
			"whitespace is significant",
			map[string]string{"a": "v "},
			map[string]string{"a": "v"},
			map[string]string{"a": "v "},
		},
		{
			"case sensitive keys",
			map[string]string{"A": "v"},
			map[string]string{"a": "v"},
			map[string]string{"A": "v"},
		},
		{
			"no image defaults",
			map[string]string{"x": "1"},
			nil,
			map[string]string{"x": "1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := UserLabels(tt.container, tt.image)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("UserLabels() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUserLabelsDoesNotMutateInputs(t *testing.T) {
	container := map[string]string{"a": "1", "b": "2"}
	image := map[string]string{"a": "1"}
	_ = UserLabels(container, image)
	if len(container) != 2 || len(image) != 1 {
		t.Error("input maps were mutated")
	}
}
