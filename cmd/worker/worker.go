package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jmehdipour/delivery-saga/internal/app"
	"github.com/jmehdipour/delivery-saga/internal/worker"
)

// Role is one background process of the saga.
type Role string

const (
	RoleRelay        Role = "relay"
	RoleOrchestrator Role = "orchestrator"
	RolePayment      Role = "payment"
	RoleDelivery     Role = "delivery"
	RoleReporter     Role = "reporter"
)

// AllRoles lists every worker role.
var AllRoles = []Role{RoleRelay, RoleOrchestrator, RolePayment, RoleDelivery, RoleReporter}

var roleShort = map[Role]string{
	RoleRelay:        "Publish pending outbox rows to Kafka",
	RoleOrchestrator: "Consume saga replies and advance sagas",
	RolePayment:      "Consume payment commands",
	RoleDelivery:     "Consume delivery commands and assign riders",
	RoleReporter:     "Copy saga transitions into the ClickHouse report",
}

// NewWorkerCmd returns the parent "worker" command.
func NewWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run background workers",
	}
	for _, r := range AllRoles {
		cmd.AddCommand(roleCmd(r))
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "all",
		Short: "Run every worker role in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, AllRoles...)
		},
	})
	return cmd
}

func roleCmd(r Role) *cobra.Command {
	return &cobra.Command{
		Use:   string(r),
		Short: roleShort[r],
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, r)
		},
	}
}

// Needs returns the resources the roles connect to, each once.
func Needs(roles ...Role) []app.Resource {
	needs := []app.Resource{app.Kafka}
	add := func(r app.Resource) {
		for _, n := range needs {
			if n == r {
				return
			}
		}
		needs = append(needs, r)
	}
	for _, r := range roles {
		switch r {
		case RoleRelay, RoleDelivery:
			add(app.Redis)
		case RoleReporter:
			add(app.Redis)
			add(app.ClickHouse)
		}
	}
	return needs
}

func run(cmd *cobra.Command, roles ...Role) error {
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	a, err := app.Open(cfgPath, Needs(roles...)...)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	if err := Start(ctx, g, a, roles...); err != nil {
		return err
	}
	return g.Wait()
}

// Start launches the roles on g. They stop when ctx is cancelled.
func Start(ctx context.Context, g *errgroup.Group, a *app.App, roles ...Role) error {
	for _, r := range roles {
		var c *worker.Consumer
		switch r {
		case RoleRelay:
			relay := a.Relay()
			g.Go(func() error { return relay.Run(ctx) })
		case RoleOrchestrator:
			c = a.Consumer("orchestrator", a.Cfg.Topics.Replies, worker.ReplyHandler(a.Orchestrator()))
		case RolePayment:
			c = a.Consumer("payment", a.Cfg.Topics.PaymentCommands, worker.CommandHandler(a.Payment()))
		case RoleDelivery:
			d, err := a.Delivery()
			if err != nil {
				return fmt.Errorf("delivery worker: %w", err)
			}
			c = a.Consumer("delivery", a.Cfg.Topics.DeliveryCommands, worker.CommandHandler(d))
		case RoleReporter:
			exp, err := a.Exporter()
			if err != nil {
				return fmt.Errorf("reporter worker: %w", err)
			}
			g.Go(func() error { return exp.Run(ctx) })
		default:
			return fmt.Errorf("unknown worker role %q", r)
		}
		if c != nil {
			g.Go(func() error { return c.Run(ctx) })
		}
		a.Log.Info("worker started", zap.String("role", string(r)))
	}
	return nil
}
