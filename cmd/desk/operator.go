package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spec-kit/live-desk/internal/config"
	"github.com/spec-kit/live-desk/internal/domain"
	"github.com/spec-kit/live-desk/internal/persistence"
	"github.com/spec-kit/live-desk/internal/repository"
	"github.com/spec-kit/live-desk/internal/service"
)

var operatorCmd = &cobra.Command{
	Use:   "operator",
	Short: "Manage operator accounts",
}

var operatorAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create an operator account in Postgres",
	RunE:  runOperatorAdd,
}

var operatorFlags struct {
	name     string
	email    string
	password string
	role     string
	sector   string
}

func init() {
	f := operatorAddCmd.Flags()
	f.StringVar(&operatorFlags.name, "name", "", "display name")
	f.StringVar(&operatorFlags.email, "email", "", "login email")
	f.StringVar(&operatorFlags.password, "password", "", "initial password")
	f.StringVar(&operatorFlags.role, "role", string(domain.RoleOperator), "OPERATOR, SUPERVISOR or ADMIN")
	f.StringVar(&operatorFlags.sector, "sector", "", "queue sector (defaults to QUEUE_DEFAULT_SECTOR)")
	_ = operatorAddCmd.MarkFlagRequired("email")
	_ = operatorAddCmd.MarkFlagRequired("password")
	operatorCmd.AddCommand(operatorAddCmd)
}

func runOperatorAdd(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.Store.Driver != config.StoreDriverPostgres {
		return fmt.Errorf("operator add: STORE_DRIVER=%s keeps operators in memory only", cfg.Store.Driver)
	}
	pg, err := persistence.NewPostgres(cmd.Context(), cfg.Postgres, logger)
	if err != nil {
		return fmt.Errorf("operator add: %w", err)
	}
	defer pg.Close()

	sector := operatorFlags.sector
	if strings.TrimSpace(sector) == "" {
		sector = cfg.Queue.DefaultSector
	}
	authService := service.NewAuthService(*cfg, service.AuthDependencies{
		OperatorRepo: repository.NewOperatorRepository(pg.PoolHandle()),
		Logger:       logger,
	})
	op, err := authService.CreateOperator(cmd.Context(), service.OperatorInput{
		Name:     operatorFlags.name,
		Email:    operatorFlags.email,
		Password: operatorFlags.password,
		Role:     domain.Role(strings.ToUpper(operatorFlags.role)),
		Sector:   sector,
	})
	if err != nil {
		return fmt.Errorf("operator add: %w", err)
	}
	logger.Info("operator created", zap.String("id", op.ID), zap.String("email", op.Email), zap.String("role", string(op.Role)))
	return nil
}
