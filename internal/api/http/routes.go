package httpapi

import (
	"errors"
	"net/url"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/i474232898/weather-ingestion/internal/weather"
)

var validate = validator.New()

// errorBody is the JSON envelope of every error response.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// NewApp builds a Fiber app with the JSON error handler and all routes.
func NewApp(service *weather.Service, logger *zap.Logger) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "weather-ingestion",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		ErrorHandler:          errorHandler(logger),
	})
	app.Use(recover.New())
	RegisterRoutes(app, service)
	return app
}

func errorHandler(logger *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		message := "internal server error"

		var fe *fiber.Error
		switch {
		case errors.As(err, &fe):
			code = fe.Code
			message = fe.Message
		case errors.Is(err, weather.ErrNotFound):
			code = fiber.StatusNotFound
			message = "resource not found"
		default:
			logger.Error("request failed",
				zap.String("method", c.Method()),
				zap.String("path", c.Path()),
				zap.Error(err))
		}

		return c.Status(code).JSON(errorBody{
			Error:   statusText(code),
			Message: message,
		})
	}
}

func statusText(code int) string {
	switch code {
	case fiber.StatusBadRequest:
		return "bad_request"
	case fiber.StatusNotFound:
		return "not_found"
	case fiber.StatusServiceUnavailable:
		return "unavailable"
	case fiber.StatusMethodNotAllowed:
		return "method_not_allowed"
	default:
		if code >= 500 {
			return "internal"
		}
		return "error"
	}
}

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, service *weather.Service) {
	app.Get("/health", func(c *fiber.Ctx) error {
		if err := service.Health(c.UserContext()); err != nil {
			return fiber.NewError(fiber.StatusServiceUnavailable, "store unavailable")
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	v1 := app.Group("/api/v1")

	v1.Get("/observations/latest", func(c *fiber.Ctx) error {
		q := locationQuery{Location: c.Query("location")}
		if err := validate.Struct(q); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "location query parameter is required")
		}

		obs, err := service.Latest(c.UserContext(), q.Location)
		if err != nil {
			if errors.Is(err, weather.ErrNotFound) {
				return fiber.NewError(fiber.StatusNotFound, "no observation for requested location")
			}
			return err
		}
		return c.JSON(obs)
	})

	v1.Get("/observations/:id", func(c *fiber.Ctx) error {
		obs, err := service.Get(c.UserContext(), c.Params("id"))
		if err != nil {
			if errors.Is(err, weather.ErrNotFound) {
				return fiber.NewError(fiber.StatusNotFound, "observation not found")
			}
			return err
		}
		return c.JSON(obs)
	})

	v1.Put("/observations/:id", func(c *fiber.Ctx) error {
		var req weather.UpdateObservation
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		obs, err := service.Update(c.UserContext(), c.Params("id"), req)
		if err != nil {
			if errors.Is(err, weather.ErrNotFound) {
				return fiber.NewError(fiber.StatusNotFound, "observation not found")
			}
			return err
		}
		return c.JSON(obs)
	})

	v1.Delete("/observations/:id", func(c *fiber.Ctx) error {
		if _, err := service.Delete(c.UserContext(), c.Params("id")); err != nil {
			if errors.Is(err, weather.ErrNotFound) {
				return fiber.NewError(fiber.StatusNotFound, "observation not found")
			}
			return err
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	v1.Delete("/locations/:name", func(c *fiber.Ctx) error {
		name, err := url.PathUnescape(c.Params("name"))
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid location name")
		}
		n, err := service.DeleteLocation(c.UserContext(), name)
		if err != nil {
			if errors.Is(err, weather.ErrNotFound) {
				return fiber.NewError(fiber.StatusNotFound, "location not found")
			}
			return err
		}
		return c.JSON(fiber.Map{"location": name, "deletedObservations": n})
	})

	v1.Get("/averages/:location", func(c *fiber.Ctx) error {
		name, err := url.PathUnescape(c.Params("location"))
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid location name")
		}
		avg, err := service.Average(c.UserContext(), name)
		if err != nil {
			if errors.Is(err, weather.ErrNotFound) {
				return fiber.NewError(fiber.StatusNotFound, "no moving average for requested location")
			}
			return err
		}
		return c.JSON(avg)
	})
}

// locationQuery holds query parameters for identifying a location.
type locationQuery struct {
	Location string `validate:"required"`
}
