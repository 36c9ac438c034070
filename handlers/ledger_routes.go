package handlers

import (
	"strconv"
	"time"

	"farming-ledger/middleware"
	"farming-ledger/models"
	"farming-ledger/monitoring"
	"farming-ledger/services"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type depositRequest struct {
	UserID      any             `json:"user_id"`
	Currency    string          `json:"currency"`
	Amount      decimal.Decimal `json:"amount"`
	ExternalRef string          `json:"external_ref"`
}

// maxTickSkew bounds how far a caller-supplied tick time may run ahead of
// the server clock.
const maxTickSkew = 5 * time.Minute

type tickRequest struct {
	Now *time.Time `json:"now"`
}

type registerRequest struct {
	UserID     any `json:"user_id"`
	ReferrerID any `json:"referrer_id"`
}

type debitRequest struct {
	Currency   string           `json:"currency"`
	Amount     decimal.Decimal  `json:"amount"`
	Rate       *decimal.Decimal `json:"rate"`
	RequestRef string           `json:"request_ref"`
}

type reconcileRequest struct {
	Currency string `json:"currency"`
	Mode     string `json:"mode"`
}

// SetupLedgerRoutes mounts the ops surface of the engine. Every route except
// /health and /metrics sits behind ServiceAuthMiddleware, installed by the
// caller.
func SetupLedgerRoutes(app *fiber.App, engine *services.Engine, log *zap.Logger) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("component", "http"))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "time": time.Now().UTC()})
	})
	app.Get("/metrics", monitoring.Handler())

	// Deposits and accrual
	app.Post("/deposits", func(c *fiber.Ctx) error {
		var req depositRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid JSON", err)
		}
		userID, err := models.ParseUserID(req.UserID)
		if err != nil {
			return respondError(c, log, "invalid user id", err)
		}
		currency, err := models.ParseCurrency(req.Currency)
		if err != nil {
			return respondError(c, log, "invalid currency", err)
		}
		txID, err := engine.IngestDeposit(c.UserContext(), userID, currency, req.Amount, req.ExternalRef)
		if err != nil {
			return respondError(c, log, "deposit failed", err)
		}
		return c.JSON(fiber.Map{"transaction_id": txID})
	})

	app.Post("/accrual/tick", func(c *fiber.Ctx) error {
		var req tickRequest
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&req); err != nil {
				return badRequest(c, "invalid JSON", err)
			}
		}
		now := time.Now().UTC()
		if req.Now != nil {
			if req.Now.After(now.Add(maxTickSkew)) {
				return badRequest(c, "now is ahead of the server clock", nil)
			}
			now = req.Now.UTC()
		}
		report, err := engine.RunAccrualTick(c.UserContext(), now)
		if err != nil {
			return respondError(c, log, "accrual tick failed", err)
		}
		return c.JSON(report)
	})

	// Users
	app.Post("/users", func(c *fiber.Ctx) error {
		var req registerRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid JSON", err)
		}
		userID, err := models.ParseUserID(req.UserID)
		if err != nil {
			return respondError(c, log, "invalid user id", err)
		}
		var referrer *models.UserID
		if req.ReferrerID != nil {
			ref, err := models.ParseUserID(req.ReferrerID)
			if err != nil {
				return respondError(c, log, "invalid referrer id", err)
			}
			referrer = &ref
		}
		user, err := engine.Ledger.RegisterUser(c.UserContext(), userID, referrer)
		if err != nil {
			return respondError(c, log, "registration failed", err)
		}
		return c.Status(fiber.StatusCreated).JSON(user)
	})

	users := app.Group("/users/:id")

	users.Get("/balance", func(c *fiber.Ctx) error {
		userID, err := userParam(c)
		if err != nil {
			return respondError(c, log, "invalid user id", err)
		}
		bal, err := engine.GetBalance(c.UserContext(), userID)
		if err != nil {
			return respondError(c, log, "failed to get balance", err)
		}
		return c.JSON(bal)
	})

	users.Post("/reconcile", func(c *fiber.Ctx) error {
		userID, err := userParam(c)
		if err != nil {
			return respondError(c, log, "invalid user id", err)
		}
		var req reconcileRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid JSON", err)
		}
		currency, err := models.ParseCurrency(req.Currency)
		if err != nil {
			return respondError(c, log, "invalid currency", err)
		}
		mode, err := services.ParseReconcileMode(req.Mode)
		if err != nil {
			return respondError(c, log, "invalid mode", err)
		}
		res, err := engine.Reconcile(c.UserContext(), userID, currency, mode)
		if err != nil {
			return respondError(c, log, "reconcile failed", err)
		}
		return c.JSON(res)
	})

	users.Post("/withdrawals", func(c *fiber.Ctx) error {
		userID, err := userParam(c)
		if err != nil {
			return respondError(c, log, "invalid user id", err)
		}
		var req debitRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid JSON", err)
		}
		currency, err := models.ParseCurrency(req.Currency)
		if err != nil {
			return respondError(c, log, "invalid currency", err)
		}
		txID, err := engine.Ledger.Withdraw(c.UserContext(), userID, currency, req.Amount, req.RequestRef)
		if err != nil {
			return respondError(c, log, "withdrawal failed", err)
		}
		return c.JSON(fiber.Map{"transaction_id": txID})
	})

	users.Post("/purchases", func(c *fiber.Ctx) error {
		userID, err := userParam(c)
		if err != nil {
			return respondError(c, log, "invalid user id", err)
		}
		var req debitRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid JSON", err)
		}
		currency, err := models.ParseCurrency(req.Currency)
		if err != nil {
			return respondError(c, log, "invalid currency", err)
		}
		txID, err := engine.Ledger.Purchase(c.UserContext(), userID, currency, req.Amount, req.Rate, req.RequestRef)
		if err != nil {
			return respondError(c, log, "purchase failed", err)
		}
		return c.JSON(fiber.Map{"transaction_id": txID})
	})

	users.Get("/transactions", func(c *fiber.Ctx) error {
		userID, err := userParam(c)
		if err != nil {
			return respondError(c, log, "invalid user id", err)
		}
		limit, _ := strconv.Atoi(c.Query("limit", "50"))
		txs, err := engine.Ledger.History(c.UserContext(), userID, limit)
		if err != nil {
			return respondError(c, log, "failed to get history", err)
		}
		return c.JSON(fiber.Map{"transactions": txs, "count": len(txs)})
	})

	users.Get("/positions/:currency", func(c *fiber.Ctx) error {
		userID, err := userParam(c)
		if err != nil {
			return respondError(c, log, "invalid user id", err)
		}
		currency, err := models.ParseCurrency(c.Params("currency"))
		if err != nil {
			return respondError(c, log, "invalid currency", err)
		}
		pos, err := engine.Ledger.GetPosition(c.UserContext(), userID, currency)
		if err != nil {
			return respondError(c, log, "failed to get position", err)
		}
		return c.JSON(pos)
	})

	users.Post("/positions/:currency/deactivate", func(c *fiber.Ctx) error {
		userID, err := userParam(c)
		if err != nil {
			return respondError(c, log, "invalid user id", err)
		}
		currency, err := models.ParseCurrency(c.Params("currency"))
		if err != nil {
			return respondError(c, log, "invalid currency", err)
		}
		pos, err := engine.Ledger.DeactivatePosition(c.UserContext(), userID, currency)
		if err != nil {
			return respondError(c, log, "failed to deactivate position", err)
		}
		return c.JSON(pos)
	})

	users.Get("/referrals", func(c *fiber.Ctx) error {
		userID, err := userParam(c)
		if err != nil {
			return respondError(c, log, "invalid user id", err)
		}
		tree, err := engine.Ledger.ReferralTree(c.UserContext(), userID)
		if err != nil {
			return respondError(c, log, "failed to get referral tree", err)
		}
		return c.JSON(tree)
	})

	users.Get("/upline", func(c *fiber.Ctx) error {
		userID, err := userParam(c)
		if err != nil {
			return respondError(c, log, "invalid user id", err)
		}
		edges, err := engine.Ledger.Upline(c.UserContext(), userID)
		if err != nil {
			return respondError(c, log, "failed to get upline", err)
		}
		return c.JSON(fiber.Map{"upline": edges})
	})

	// Operator routes
	operator := middleware.OperatorContextMiddleware()

	app.Post("/reconcile/sweep", operator, func(c *fiber.Ctx) error {
		var req reconcileRequest
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&req); err != nil {
				return badRequest(c, "invalid JSON", err)
			}
		}
		mode, err := services.ParseReconcileMode(req.Mode)
		if err != nil {
			return respondError(c, log, "invalid mode", err)
		}
		log.Info("[HTTP] reconcile sweep requested",
			zap.String("operator", middleware.Operator(c)),
			zap.String("mode", string(mode)))
		report, err := engine.Reconciler.ReconcileAll(c.UserContext(), mode)
		if err != nil {
			return respondError(c, log, "reconcile sweep failed", err)
		}
		return c.JSON(report)
	})

	app.Get("/review-flags", operator, func(c *fiber.Ctx) error {
		flags, err := engine.Ledger.ListReviewFlags(c.UserContext(), c.QueryBool("all", false))
		if err != nil {
			return respondError(c, log, "failed to list review flags", err)
		}
		return c.JSON(fiber.Map{"flags": flags, "count": len(flags)})
	})

	app.Post("/review-flags/:flag_id/resolve", operator, func(c *fiber.Ctx) error {
		flag, err := engine.Ledger.ResolveReviewFlag(c.UserContext(), c.Params("flag_id"), middleware.Operator(c))
		if err != nil {
			return respondError(c, log, "failed to resolve review flag", err)
		}
		return c.JSON(flag)
	})
}

// userParam normalizes the :id path segment the same way body user ids are.
func userParam(c *fiber.Ctx) (models.UserID, error) {
	return models.ParseUserID(c.Params("id"))
}
