// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ingress

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/My-Epitech-Organisation/Area-sub002/internal/engine"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/log"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/metrics"
	pkgerrors "github.com/My-Epitech-Organisation/Area-sub002/pkg/errors"
)

// webhook verifies one delivery and records it for every matching
// automation. A 5xx response asks the sender to redeliver; the ledger
// dedupes whatever the first delivery already recorded.
func (s *Server) webhook(c *gin.Context) {
	service := c.Param("service")
	logger := s.logger.With(slog.String(log.ServiceKey, service))
	defer func() { metrics.RecordWebhook(service, c.Writer.Status()) }()

	secret, hasSecret := s.cfg.WebhookSecrets[service]
	if !hasSecret && !s.cfg.AllowUnsignedWebhooks {
		writeError(c, http.StatusForbidden, "webhooks are not enabled for this service")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(c, http.StatusRequestEntityTooLarge, "body too large")
			return
		}
		writeError(c, http.StatusBadRequest, "failed to read body")
		return
	}

	src := s.source(service)
	if hasSecret {
		if err := src.Verifier.Verify(c.Request, body, secret); err != nil {
			logger.Warn("webhook signature verification failed", log.Error(err))
			writeError(c, http.StatusUnauthorized, "signature verification failed")
			return
		}
	}

	delivery, err := src.Verifier.Parse(c.Request, body)
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	if delivery.Challenge != "" {
		c.JSON(http.StatusOK, gin.H{"challenge": delivery.Challenge})
		return
	}

	action, ok := src.action(delivery.Event)
	if !ok {
		logger.Debug("webhook event ignored", slog.String("event", delivery.Event))
		c.JSON(http.StatusOK, gin.H{"ignored": true, "event": delivery.Event})
		return
	}
	if src.Normalize != nil {
		src.Normalize(action, delivery)
	}
	if delivery.ID == "" {
		writeError(c, http.StatusBadRequest, "delivery has no stable id")
		return
	}

	res, err := s.engine.Ingest(c.Request.Context(), engine.PushedEvent{
		Service:    service,
		Action:     action,
		ExternalID: delivery.ID,
		Attributes: delivery.Attributes,
		Data:       delivery.Data,
	})
	if err != nil {
		var verr *pkgerrors.ValidationError
		if errors.As(err, &verr) {
			writeError(c, http.StatusBadRequest, verr.Error())
			return
		}
		logger.Error("webhook ingest failed",
			slog.String(log.EventIDKey, delivery.ID),
			log.Error(err))
		writeError(c, http.StatusInternalServerError, "failed to record event")
		return
	}

	logger.Info("webhook ingested",
		slog.String(log.EventIDKey, delivery.ID),
		slog.String("action", action),
		slog.Int("created", res.Created))
	c.JSON(http.StatusAccepted, res)
}
