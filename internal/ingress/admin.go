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
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/My-Epitech-Organisation/Area-sub002/internal/engine/scanner"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/store"
	pkgerrors "github.com/My-Epitech-Organisation/Area-sub002/pkg/errors"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

func (s *Server) scan(c *gin.Context) {
	service := c.Param("service")
	summary, err := s.engine.ScanNow(c.Request.Context(), service)
	if err != nil {
		s.fail(c, "manual scan failed", err)
		return
	}
	s.logger.Info("manual scan",
		slog.String("service", service),
		slog.String("by", c.GetString(subjectKey)),
		slog.Int("triggered", summary.Triggered))
	c.JSON(http.StatusOK, summary)
}

func (s *Server) replay(c *gin.Context) {
	id := c.Param("id")
	reset, _ := strconv.ParseBool(c.Query("reset"))

	summary, err := s.engine.Replay(c.Request.Context(), id, reset)
	if err != nil {
		s.fail(c, "replay failed", err)
		return
	}
	s.logger.Info("automation replayed",
		slog.String("automation_id", id),
		slog.Bool("reset", reset),
		slog.String("by", c.GetString(subjectKey)))
	c.JSON(http.StatusOK, summary)
}

func (s *Server) executions(c *gin.Context) {
	filter := store.ExecutionFilter{
		AutomationID: c.Query("automation_id"),
		Status:       store.ExecutionStatus(c.Query("status")),
		Limit:        defaultPageSize,
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		writeError(c, http.StatusBadRequest, "unknown status "+strconv.Quote(string(filter.Status)))
		return
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxPageSize {
			writeError(c, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		filter.Limit = n
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(c, http.StatusBadRequest, "offset must be >= 0")
			return
		}
		filter.Offset = n
	}

	execs, err := s.engine.Executions(c.Request.Context(), filter)
	if err != nil {
		s.fail(c, "list executions failed", err)
		return
	}
	if execs == nil {
		execs = []*store.Execution{}
	}
	c.JSON(http.StatusOK, gin.H{"executions": execs})
}

func (s *Server) fail(c *gin.Context, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(msg, slog.String("path", c.FullPath()), slog.Any("error", err))
	}
	writeError(c, status, err.Error())
}

func statusFor(err error) int {
	var (
		notFound   *pkgerrors.NotFoundError
		validation *pkgerrors.ValidationError
	)
	switch {
	case errors.As(err, &notFound), errors.Is(err, scanner.ErrUnknownService):
		return http.StatusNotFound
	case errors.As(err, &validation):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
