package docker

import (
	"sort"
	"strings"
)

// Labels that feed derived tags.
const (
	labelComposeProject = "com.docker.compose.project"
	labelSwarmService   = "com.docker.swarm.service"
	labelExplicitTags   = "dockmon.tag"
)

// DerivedTags synthesizes tags from well-known container labels. Compose
// projects become "compose:<project>", swarm services "swarm:<service>",
// and the dockmon.tag label carries an explicit comma-separated list.
// The result is sorted and deduplicated so snapshot comparison is stable.
func DerivedTags(labels map[string]string) []string {
	var tags []string

	if p := labels[labelComposeProject]; p != "" {
		tags = append(tags, "compose:"+p)
	}
	if s := labels[labelSwarmService]; s != "" {
		tags = append(tags, "swarm:"+s)
	}
	for _, t := range strings.Split(labels[labelExplicitTags], ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}

	if len(tags) == 0 {
		return nil
	}
	sort.Strings(tags)
	out := tags[:1]
	for _, t := range tags[1:] {
		if t != out[len(out)-1] {
			out = append(out, t)
		}
	}
	return out
}

// UserLabels extracts the labels a user set on a container by subtracting
// the image's default labels. A label survives only if the image does not
// define it, or defines it with a different value. Comparison is
// case-sensitive and exact, whitespace included. Neither input map is
// modified.
func UserLabels(containerLabels, imageDefaults map[string]string) map[string]string {
	out := make(map[string]string, len(containerLabels))
	for k, v := range containerLabels {
		if def, ok := imageDefaults[k]; ok && def == v {
			continue
		}
		out[k] = v
	}
	return out
}
