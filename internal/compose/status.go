package compose

import (
	"bufio"
	"encoding/json"
	"slices"
	"strings"

	"github.com/shipped/shipped/internal/api"
)

type psEntry struct {
	Name       string        `json:"Name"`
	Service    string        `json:"Service"`
	Image      string        `json:"Image"`
	Command    string        `json:"Command"`
	State      string        `json:"State"`
	Health     string        `json:"Health"`
	Publishers []psPublisher `json:"Publishers"`
}

type psPublisher struct {
	URL           string `json:"URL"`
	TargetPort    int    `json:"TargetPort"`
	PublishedPort int    `json:"PublishedPort"`
	Protocol      string `json:"Protocol"`
}

// parsePS decodes `docker compose ps --format json`, which is a JSON array on
// older compose releases and one object per line on newer ones.
func parsePS(output string) ([]api.Container, error) {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return nil, nil
	}

	var entries []psEntry
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal([]byte(trimmed), &entries); err != nil {
			return nil, err
		}
	} else {
		scanner := bufio.NewScanner(strings.NewReader(trimmed))
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var entry psEntry
			if err := json.Unmarshal([]byte(line), &entry); err != nil {
				return nil, err
			}
			entries = append(entries, entry)
		}
		if err := scanner.Err(); err != nil {
			return nil, err
		}
	}

	containers := make([]api.Container, 0, len(entries))
	for _, entry := range entries {
		containers = append(containers, api.Container{
			Name:    entry.Name,
			Service: entry.Service,
			Image:   entry.Image,
			Command: strings.Trim(entry.Command, `"`),
			State:   strings.ToLower(entry.State),
			Health:  entry.Health,
			Ports:   portMappings(entry.Publishers),
		})
	}

	slices.SortFunc(containers, func(a, b api.Container) int {
		if c := strings.Compare(a.Service, b.Service); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	return containers, nil
}

func portMappings(publishers []psPublisher) []api.PortMapping {
	ports := make([]api.PortMapping, 0, len(publishers))
	for _, p := range publishers {
		mapping := api.PortMapping{
			Exposed: api.ExposedPort{Port: p.TargetPort, Protocol: p.Protocol},
		}
		if p.PublishedPort > 0 {
			mapping.Mapped = &api.MappedPort{Address: p.URL, Port: p.PublishedPort}
		}
		ports = append(ports, mapping)
	}
	return ports
}

// aggregateStatus is ACTIVE when every container runs, DOWN when there are none.
func aggregateStatus(containers []api.Container) api.StackStatus {
	if len(containers) == 0 {
		return api.StatusDown
	}
	for _, c := range containers {
		if c.State != "running" {
			return api.StatusInactive
		}
	}
	return api.StatusActive
}
