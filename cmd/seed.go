package cmd

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmehdipour/delivery-saga/internal/app"
	"github.com/jmehdipour/delivery-saga/internal/model"
	"github.com/jmehdipour/delivery-saga/internal/repository"
)

type demoCustomer struct {
	model.Customer
	Balance int64
}

var demoCustomers = []demoCustomer{
	{model.Customer{Name: "Acme Corp", APIKey: "11111111111111111111111111111111", Status: model.CustomerActive, RateLimitRPS: intptr(20)}, 100_000},
	{model.Customer{Name: "Foobar LLC", APIKey: "22222222222222222222222222222222", Status: model.CustomerActive, RateLimitRPS: intptr(50)}, 5_000},
	{model.Customer{Name: "Broke Buyer", APIKey: "33333333333333333333333333333333", Status: model.CustomerActive, RateLimitRPS: intptr(5)}, 0},
	{model.Customer{Name: "Suspended Inc", APIKey: "44444444444444444444444444444444", Status: model.CustomerSuspended}, 0},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed demo customers and wallet balances",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.Open(cfgPath)
		if err != nil {
			return err
		}
		defer a.Close()

		for _, c := range demoCustomers {
			if err := seedCustomer(cmd.Context(), a.MySQL, c); err != nil {
				return err
			}
			a.Log.Info("customer seeded",
				zap.String("name", c.Name), zap.String("api_key", c.APIKey), zap.Int64("balance", c.Balance))
		}
		return nil
	},
}

// seedCustomer upserts c by api key and credits its opening balance once.
func seedCustomer(ctx context.Context, db *sqlx.DB, c demoCustomer) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	id, err := repository.NewCustomersRepository(db).Upsert(ctx, tx, c.Customer)
	if err != nil {
		return fmt.Errorf("upsert customer %q: %w", c.Name, err)
	}

	wallet := repository.NewWalletRepository()
	ledger := repository.NewLedgerRepository()
	if err := wallet.UpsertAccount(ctx, tx, id); err != nil {
		return fmt.Errorf("wallet %q: %w", c.Name, err)
	}

	if c.Balance > 0 {
		idem := fmt.Sprintf("seed-%d", id)
		seen, err := ledger.ExistsByIdem(ctx, tx, idem)
		if err != nil {
			return err
		}
		if !seen {
			if err := ledger.InsertTopup(ctx, tx, id, c.Balance, idem); err != nil {
				return err
			}
			if err := wallet.Adjust(ctx, tx, id, c.Balance); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

func intptr(i int) *int { return &i }
