package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/carebridge/carebridge/internal/portal/app"
)

func main() {
	cfg := app.LoadConfig()

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("failed to initialize application: %v", err)
	}

	verb := "run"
	if len(os.Args) > 1 {
		verb = os.Args[1]
	}

	switch verb {
	case "run":
		if err := application.Run(); err != nil {
			log.Fatalf("application error: %v", err)
		}
	case "verify-audit":
		defer application.Shutdown()
		if err := application.VerifyAuditChain(context.Background()); err != nil {
			log.Fatalf("audit chain verification FAILED: %v", err)
		}
		fmt.Println("audit chain OK")
	default:
		log.Fatalf("unknown command %q (expected: run, verify-audit)", verb)
	}
}
