package main

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/VancouverCanada/openport/pkg/admin"
	"github.com/VancouverCanada/openport/pkg/config"
	"github.com/VancouverCanada/openport/pkg/contracts"
)

// demoApp is the reference integration registered by OPENPORT_DEMO.
var demoApp = admin.CreateAppInput{
	Scope:         contracts.AppScopeWorkspace,
	Name:          "Demo Integration",
	Description:   "Reference integration for local testing",
	OrgID:         "org_demo",
	ServiceUserID: "svc_org_demo",
	Scopes:        []string{"ledger.read", "transaction.read", "transaction.write", "transaction.delete", "transaction.export"},
}

// activeApp reports whether an active app named name already exists, so a
// restart over a persistent store does not register it twice.
func activeApp(ctx context.Context, engine *admin.Engine, name string) (bool, error) {
	apps, err := engine.ListApps(ctx)
	if err != nil {
		return false, err
	}
	for _, a := range apps {
		if a.Status == contracts.AppStatusActive && strings.EqualFold(a.Name, strings.TrimSpace(name)) {
			return true, nil
		}
	}
	return false, nil
}

func seedDemo(ctx context.Context, engine *admin.Engine) error {
	exists, err := activeApp(ctx, engine, demoApp.Name)
	if err != nil {
		return fmt.Errorf("demo seed: %w", err)
	}
	if exists {
		log.Println("[openport] demo: integration already registered")
		return nil
	}
	created, err := engine.CreateApp(ctx, demoOperator, demoApp)
	if err != nil {
		return fmt.Errorf("demo seed: %w", err)
	}
	log.Printf("[openport] demo: app %s registered", created.App.ID)
	log.Printf("[openport] demo: agent token %s (shown once)", created.Token)
	return nil
}

func seedBootstrap(ctx context.Context, engine *admin.Engine, b *config.Bootstrap) error {
	for _, app := range b.Apps {
		exists, err := activeApp(ctx, engine, app.Name)
		if err != nil {
			return fmt.Errorf("bootstrap %q: %w", app.Name, err)
		}
		if exists {
			log.Printf("[openport] bootstrap: %q already registered", app.Name)
			continue
		}
		operator := app.CreatedBy
		if operator == "" {
			operator = demoOperator
		}

		var created *admin.CreatedApp
		if app.Token != "" {
			created, err = engine.ImportApp(ctx, operator, app.CreateAppInput, app.Token)
		} else {
			created, err = engine.CreateApp(ctx, operator, app.CreateAppInput)
		}
		if err != nil {
			return fmt.Errorf("bootstrap %q: %w", app.Name, err)
		}
		log.Printf("[openport] bootstrap: app %s (%s) registered", created.App.ID, created.App.Name)
		if app.Token == "" {
			log.Printf("[openport] bootstrap: agent token for %q: %s (shown once)", created.App.Name, created.Token)
		}
	}
	return nil
}
