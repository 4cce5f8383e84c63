package api

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openredact/clinical/internal/models"
	"github.com/openredact/clinical/internal/storage"
	"github.com/openredact/clinical/pkg/errors"
)

func parse(c *fiber.Ctx, v interface{}) error {
	if err := c.BodyParser(v); err != nil {
		return errors.InvalidInput("invalid request body").WithDetails(err.Error())
	}
	return nil
}

func success(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(fiber.Map{
		"success": true,
		"message": message,
	})
}

// List handlers

type entryRequest struct {
	Entry string `json:"entry"`
}

type entriesRequest struct {
	Entries []string `json:"entries"`
}

func (s *Server) registerList(r fiber.Router, store storage.ListStore) {
	r.Get("/", func(c *fiber.Ctx) error {
		entries, err := store.All(c.UserContext())
		if err != nil {
			return errors.Wrap(err, errors.CodeUnavailable, "failed to load list")
		}
		return c.JSON(fiber.Map{"entries": entries})
	})

	r.Post("/", func(c *fiber.Ctx) error {
		var req entryRequest
		if err := parse(c, &req); err != nil {
			return err
		}
		if err := store.Add(c.UserContext(), req.Entry); err != nil {
			return err
		}
		return success(c, fiber.StatusCreated, "Entry added")
	})

	r.Put("/", func(c *fiber.Ctx) error {
		var req entriesRequest
		if err := parse(c, &req); err != nil {
			return err
		}
		if err := store.Replace(c.UserContext(), req.Entries); err != nil {
			return err
		}
		return success(c, fiber.StatusOK, fmt.Sprintf("List updated with %d entries", len(req.Entries)))
	})

	r.Delete("/:entry", func(c *fiber.Ctx) error {
		entry, err := url.PathUnescape(c.Params("entry"))
		if err != nil {
			return errors.InvalidInput("invalid entry encoding")
		}
		if err := store.Remove(c.UserContext(), entry); err != nil {
			return err
		}
		return success(c, fiber.StatusOK, "Entry removed")
	})
}

// Template handlers

type templatesRequest struct {
	Templates map[string]*models.Template `json:"templates"`
}

func (s *Server) handleListTemplates(c *fiber.Ctx) error {
	templates, err := s.deps.Service.Templates().List(c.UserContext())
	if err != nil {
		return errors.Wrap(err, errors.CodeUnavailable, "failed to load templates")
	}
	return c.JSON(fiber.Map{"templates": templates})
}

func (s *Server) handleImportTemplates(c *fiber.Ctx) error {
	var req templatesRequest
	if err := parse(c, &req); err != nil {
		return err
	}
	if len(req.Templates) == 0 {
		return errors.InvalidInput("templates must not be empty")
	}
	if err := s.deps.Service.Templates().Import(c.UserContext(), req.Templates); err != nil {
		return err
	}
	return success(c, fiber.StatusOK, fmt.Sprintf("Imported %d templates", len(req.Templates)))
}

func (s *Server) templateID(c *fiber.Ctx) (string, error) {
	id, err := url.PathUnescape(c.Params("id"))
	if err != nil {
		return "", errors.InvalidInput("invalid template id encoding")
	}
	return id, nil
}

func (s *Server) handleGetTemplate(c *fiber.Ctx) error {
	id, err := s.templateID(c)
	if err != nil {
		return err
	}
	t, err := s.deps.Service.Templates().Get(c.UserContext(), id)
	if err != nil {
		return errors.Wrap(err, errors.CodeUnavailable, "failed to load template")
	}
	if t == nil {
		return errors.NotFound("template").WithDetails(id)
	}
	return c.JSON(fiber.Map{"template_id": id, "template": t})
}

func (s *Server) handleSaveTemplate(c *fiber.Ctx) error {
	id, err := s.templateID(c)
	if err != nil {
		return err
	}
	var t models.Template
	if err := parse(c, &t); err != nil {
		return err
	}
	store := s.deps.Service.Templates()
	if err := store.Save(c.UserContext(), id, &t); err != nil {
		return err
	}
	saved, err := store.Get(c.UserContext(), id)
	if err != nil || saved == nil {
		saved = &t
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"template_id": id, "template": saved})
}

func (s *Server) handleDeleteTemplate(c *fiber.Ctx) error {
	id, err := s.templateID(c)
	if err != nil {
		return err
	}
	if err := s.deps.Service.Templates().Delete(c.UserContext(), id); err != nil {
		return err
	}
	return success(c, fiber.StatusOK, "Template deleted")
}

// Detection and anonymization handlers

type findPIIsRequest struct {
	Text          string `json:"text"`
	UseBothModels *bool  `json:"use_both_models"`
}

type anonymizeRequest struct {
	Text       string `json:"text"`
	TemplateID string `json:"template_id"`
}

type batchRequest struct {
	Texts      []string `json:"texts"`
	TemplateID string   `json:"template_id"`
}

func (s *Server) handleFindPIIs(c *fiber.Ctx) error {
	var req findPIIsRequest
	if err := parse(c, &req); err != nil {
		return err
	}
	useAll := req.UseBothModels == nil || *req.UseBothModels
	d, err := s.deps.Service.FindPIIs(c.UserContext(), req.Text, useAll)
	if err != nil {
		return err
	}
	return c.JSON(charDetection(d))
}

func (s *Server) handleAnonymize(c *fiber.Ctx) error {
	var req anonymizeRequest
	if err := parse(c, &req); err != nil {
		return err
	}
	res, err := s.deps.Service.Anonymize(c.UserContext(), req.Text, req.TemplateID)
	if err != nil {
		return err
	}
	return c.JSON(charResult(res))
}

func (s *Server) handleAnonymizeBatch(c *fiber.Ctx) error {
	var req batchRequest
	if err := parse(c, &req); err != nil {
		return err
	}
	items, err := s.deps.Service.AnonymizeBatch(c.UserContext(), req.Texts, req.TemplateID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"items": charBatch(items), "total": len(items)})
}

// Job handlers

func (s *Server) handleSubmitJob(c *fiber.Ctx) error {
	if s.deps.Jobs == nil {
		return errors.Unavailable("job queue")
	}
	var req anonymizeRequest
	if err := parse(c, &req); err != nil {
		return err
	}
	if err := s.deps.Service.ValidateText(req.Text); err != nil {
		return err
	}

	ctx := c.UserContext()
	job := &models.Job{
		ID:          uuid.NewString(),
		Text:        req.Text,
		TemplateID:  req.TemplateID,
		SubmittedAt: time.Now().UTC(),
	}
	pending := &models.JobResult{JobID: job.ID, Status: models.JobPending}
	if err := s.deps.Jobs.StoreJobResult(ctx, pending, s.deps.JobTTL); err != nil {
		return errors.Wrap(err, errors.CodeUnavailable, "failed to store job")
	}
	if err := s.deps.Jobs.EnqueueJob(ctx, job); err != nil {
		return errors.Wrap(err, errors.CodeUnavailable, "failed to enqueue job")
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"job_id": job.ID,
		"status": models.JobPending,
	})
}

func (s *Server) handleGetJob(c *fiber.Ctx) error {
	if s.deps.Jobs == nil {
		return errors.Unavailable("job queue")
	}
	id := c.Params("id")
	result, err := s.deps.Jobs.GetJobResult(c.UserContext(), id)
	if err != nil {
		return errors.Wrap(err, errors.CodeUnavailable, "failed to load job")
	}
	if result == nil {
		return errors.NotFound("job").WithDetails(id)
	}
	return c.JSON(charJobResult(result))
}

// Audit handlers

func (s *Server) handleStats(c *fiber.Ctx) error {
	if s.deps.Stats == nil {
		return errors.Unavailable("audit store")
	}
	period := c.Query("period", "24h")
	d, err := time.ParseDuration(period)
	if err != nil || d <= 0 {
		return errors.InvalidInput("invalid period").WithDetails(period)
	}

	stats, err := s.deps.Stats.GetStats(c.UserContext(), time.Now().UTC().Add(-d))
	if err != nil {
		return errors.Wrap(err, errors.CodeUnavailable, "failed to query stats")
	}
	stats.Period = period
	return c.JSON(stats)
}

func (s *Server) handleAuditUpgrade(c *fiber.Ctx) error {
	if s.deps.Audit == nil {
		return errors.Unavailable("audit feed")
	}
	return c.Next()
}

func (s *Server) handleAuditStream(c *websocket.Conn) {
	s.logger.Info("Audit stream connected")
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := s.deps.Audit.SubscribeAudit(ctx)
	if err != nil {
		s.logger.Warn("Audit subscription failed", zap.Error(err))
		c.WriteJSON(fiber.Map{"type": "error", "detail": "audit feed unavailable"})
		return
	}
	defer sub.Close()

	c.WriteJSON(fiber.Map{
		"type": "connected",
		"time": time.Now().Format(time.RFC3339),
	})

	// The read loop only detects the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	msgs := sub.Messages()
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			if err := c.WriteMessage(websocket.TextMessage, []byte(msg.Payload)); err != nil {
				s.logger.Debug("WebSocket write error", zap.Error(err))
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
