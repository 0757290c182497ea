package billing

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

var ErrInvalidPlanCatalog = errors.New("invalid plan catalog")

type planCatalog struct {
	Plans []Plan `yaml:"plans"`
}

// LoadPlans decodes a YAML plan catalog:
//
//	plans:
//	  - name: Pro
//	    interval: monthly
//	    token_allowance: 100
//	    price_id: price_123
func LoadPlans(r io.Reader) ([]Plan, error) {
	var cat planCatalog
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cat); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Join(ErrInvalidPlanCatalog, err)
	}

	seen := make(map[string]struct{}, len(cat.Plans))
	for i, p := range cat.Plans {
		switch {
		case p.Name == "":
			return nil, fmt.Errorf("%w: plan #%d has no name", ErrInvalidPlanCatalog, i+1)
		case !p.Interval.Valid():
			return nil, fmt.Errorf("%w: plan %q has invalid interval %q", ErrInvalidPlanCatalog, p.Name, p.Interval)
		case p.TokenAllowance <= 0:
			return nil, fmt.Errorf("%w: plan %q must allow at least one token", ErrInvalidPlanCatalog, p.Name)
		}
		key := p.Name + "/" + string(p.Interval)
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("%w: duplicate plan %s", ErrInvalidPlanCatalog, key)
		}
		seen[key] = struct{}{}
	}
	return cat.Plans, nil
}

func LoadPlansFile(path string) ([]Plan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Join(ErrInvalidPlanCatalog, err)
	}
	defer f.Close()
	return LoadPlans(f)
}
