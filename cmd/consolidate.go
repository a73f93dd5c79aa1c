package cmd

import (
	"context"
	"fmt"

	"grimm.is/bastion/internal/errdefs"
	"grimm.is/bastion/internal/rules"
)

// RunConsolidate performs a one-shot consolidation pass. An empty family
// means both.
func RunConsolidate(configFile, family string, wantDiff bool) error {
	cfg, logger, err := loadConfig(configFile)
	if err != nil {
		return err
	}

	var families []rules.Family
	if family == "" {
		families = rules.Families
	} else {
		fam, ok := rules.ParseFamily(family)
		if !ok {
			return errdefs.Validationf("unknown family %q, want v4 or v6", family)
		}
		families = []rules.Family{fam}
	}

	c := rules.NewConsolidator(cfg.Paths.Rules, nil, logger)
	for _, fam := range families {
		res, err := c.Run(context.Background(), fam, rules.Options{WantDiff: wantDiff})
		if err != nil {
			return err
		}
		if res.Changed {
			fmt.Printf("%s: %d rules, %s\n", fam, res.Rules, res.Hash)
		} else {
			fmt.Printf("%s: unchanged (%d rules)\n", fam, res.Rules)
		}
		if wantDiff && res.Diff != "" {
			fmt.Print(res.Diff)
		}
	}
	return nil
}
