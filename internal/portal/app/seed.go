package app

import (
	"context"
	"fmt"

	"github.com/carebridge/carebridge/internal/portal/domain"
)

// Demo accounts matching the default ABAC policy roles. Seeded only into an
// empty database, so a wiped dev environment comes up usable.
var demoUsers = []struct {
	username string
	role     domain.Role
}{
	{"doctor1", domain.RoleDoctor},
	{"nurse1", domain.RoleNurse},
	{"patient001", domain.RolePatient},
	{"admin1", domain.RoleAdmin},
}

func (app *Application) seedDemoUsers(ctx context.Context) error {
	empty, err := app.db.Users().IsEmpty(ctx)
	if err != nil {
		return err
	}
	if !empty {
		return nil
	}

	for _, demo := range demoUsers {
		if _, _, err := app.authService.Register(ctx, demo.username, app.cfg.DemoPassword, demo.role, false); err != nil {
			return fmt.Errorf("seed %s: %w", demo.username, err)
		}
	}

	app.logger.Info("seeded demo accounts", "count", len(demoUsers))
	return nil
}
