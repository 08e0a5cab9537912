package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/live-desk/internal/api/http/handlers"
	"github.com/spec-kit/live-desk/internal/auth"
	"github.com/spec-kit/live-desk/internal/domain"
)

// RouteConfig bundles dependencies for route registration. Debug is nil
// unless introspection is enabled.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Clients        *handlers.ClientHandler
	Operators      *handlers.OperatorHandler
	CaseRequests   *handlers.CaseRequestsHandler
	Admin          *handlers.AdminHandler
	Debug          *handlers.DebugHandler
	AuthMiddleware *auth.AuthMiddleware
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	authn := cfg.AuthMiddleware.Handle

	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)

	app.Post("/client/session", cfg.Clients.StartSession)
	client := app.Group("/client", authn, auth.RequireClient())
	client.Post("/session/refresh", cfg.Clients.RefreshSession)
	client.Post("/tickets", cfg.Clients.Submit)
	client.Post("/restore", cfg.Clients.Restore)
	client.Get("/screen", cfg.Clients.Screen)
	client.Post("/cancel", cfg.Clients.Cancel)
	client.Post("/rating", cfg.Clients.Rate)
	client.Post("/messages", cfg.Clients.SendMessage)
	client.Delete("/desk", cfg.Clients.Leave)

	app.Post("/operators/login", cfg.Operators.Login)
	app.Post("/operators/password", authn, auth.RequireStaff(), cfg.Operators.ChangePassword)

	desk := app.Group("/desk", authn, auth.RequireStaff())
	desk.Get("", cfg.Operators.View)
	desk.Delete("", cfg.Operators.Leave)
	desk.Put("/module", cfg.Operators.ActivateModule)
	desk.Get("/alerts", cfg.Operators.Alerts)
	desk.Post("/alerts/:id/accept", cfg.Operators.AcceptAlert)
	desk.Post("/alerts/:id/reject", cfg.Operators.RejectAlert)
	desk.Post("/claim-next", cfg.Operators.ClaimNext)
	desk.Post("/tickets/:id/open", cfg.Operators.OpenTicket)
	desk.Post("/close", cfg.Operators.CloseTicket)

	app.Get("/queue", authn, auth.RequireStaff(), cfg.Operators.Queue)

	tickets := app.Group("/tickets", authn, auth.RequireStaff())
	tickets.Get("/:id", cfg.Operators.GetTicket)
	tickets.Get("/:id/messages", cfg.Operators.Messages)
	tickets.Get("/:id/state-logs", cfg.Operators.StateLogs)
	tickets.Get("/:id/transitions", cfg.Operators.Transitions)
	tickets.Post("/:id/transition", cfg.Operators.Transition)
	tickets.Post("/:id/identity", cfg.Operators.ConfirmIdentity)
	tickets.Put("/:id/case", cfg.Operators.UpdateCase)
	tickets.Post("/:id/messages", cfg.Operators.AddMessage)
	tickets.Post("/:id/release", cfg.Operators.Release)

	app.Post("/case-requests", authn, auth.RequireAnyRole(), cfg.CaseRequests.Create)
	app.Get("/case-requests", authn, auth.RequireStaff(), cfg.CaseRequests.List)

	admin := app.Group("/admin", authn, auth.RequireStaff(domain.RoleAdmin))
	admin.Get("/operators", cfg.Admin.ListOperators)
	admin.Post("/operators", cfg.Admin.CreateOperator)
	admin.Patch("/operators/:id", cfg.Admin.SetActive)

	if cfg.Debug != nil {
		debug := app.Group("/debug", authn, auth.RequireStaff(domain.RoleSupervisor, domain.RoleAdmin))
		debug.Get("/desks", cfg.Debug.Desks)
	}
}
