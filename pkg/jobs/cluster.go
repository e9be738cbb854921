package jobs

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Cluster is a named execution target carrying a set of tags.
type Cluster struct {
	ID   string   `json:"id" yaml:"id" mapstructure:"id"`
	Name string   `json:"name" yaml:"name" mapstructure:"name"`
	Tags []string `json:"tags" yaml:"tags" mapstructure:"tags"`
}

// Catalog is the ordered set of known clusters.
type Catalog []Cluster

// catalogFile is the on-disk layout of a cluster catalog.
type catalogFile struct {
	Clusters []Cluster `yaml:"clusters"`
}

// LoadCatalog reads a YAML cluster catalog:
//
//	clusters:
//	  - id: prod-1
//	    name: prod
//	    tags: [prod, spark]
func LoadCatalog(path string) (Catalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cluster catalog: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse cluster catalog %s: %w", path, err)
	}
	cat := Catalog(f.Clusters)
	if err := cat.Validate(); err != nil {
		return nil, fmt.Errorf("cluster catalog %s: %w", path, err)
	}
	return cat, nil
}

// Validate checks ids are present and unique.
func (c Catalog) Validate() error {
	seen := make(map[string]struct{}, len(c))
	for i, cl := range c {
		id := strings.TrimSpace(cl.ID)
		if id == "" {
			return fmt.Errorf("cluster %d: id is required", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("cluster %q listed twice", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// Select returns the cluster for the first criterion that matches any
// cluster, scanning criteria in order. A cluster matches when it carries
// every tag of the criterion.
//
// With an empty catalog the first criterion names the cluster itself: its
// sorted tags joined by commas become both name and id.
func (c Catalog) Select(criteria []ClusterCriteria) (Cluster, bool) {
	if len(criteria) == 0 {
		return Cluster{}, false
	}
	if len(c) == 0 {
		tags := normalizeTags(criteria[0].Tags)
		name := strings.Join(tags, ",")
		return Cluster{ID: name, Name: name, Tags: tags}, name != ""
	}
	for _, crit := range criteria {
		want := normalizeTags(crit.Tags)
		if len(want) == 0 {
			continue
		}
		for _, cl := range c {
			if hasAllTags(cl.Tags, want) {
				return cl, true
			}
		}
	}
	return Cluster{}, false
}

func hasAllTags(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, t := range have {
		set[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}
	for _, t := range want {
		if _, ok := set[t]; !ok {
			return false
		}
	}
	return true
}
