package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go/service/iotdataplane"

	"github.com/laserguidance/targeting/internal/shadow"
	"github.com/laserguidance/targeting/pkg/core"
)

// errorTypeHeader carries the service error code the SDK classifies by.
const errorTypeHeader = "X-Amzn-Errortype"

func (s *Server) handleGetShadow(w http.ResponseWriter, r *http.Request) {
	if s.backend == nil {
		http.NotFound(w, r)
		return
	}
	thing := r.PathValue("thing")
	doc, err := s.get(r.Context(), thing, core.ShadowDocument{})
	if err != nil {
		s.writeError(w, thing, err)
		return
	}
	body, err := shadow.Encode(doc)
	if err != nil {
		s.writeError(w, thing, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func (s *Server) handleUpdateShadow(w http.ResponseWriter, r *http.Request) {
	if s.backend == nil {
		http.NotFound(w, r)
		return
	}
	thing := r.PathValue("thing")
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize))
	if err != nil {
		s.writeError(w, thing, err)
		return
	}
	req, err := shadow.Decode(raw)
	if err != nil {
		s.writeError(w, thing, errInvalidJSON)
		return
	}
	doc, err := s.update(r.Context(), thing, req)
	if err != nil {
		s.writeError(w, thing, err)
		return
	}
	body, err := shadow.Encode(doc)
	if err != nil {
		s.writeError(w, thing, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

// MoveRequest is the body of POST /things/{thing}/move. Cmd is one of up,
// down, left or right.
type MoveRequest struct {
	Cmd   string `json:"cmd"`
	Delta int    `json:"delta"`
}

// MoveResponse reports the desired coordinates after a move.
type MoveResponse struct {
	Status string `json:"status"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
}

var moveCommands = map[string]core.Command{
	"up":    core.CommandMoveUp,
	"down":  core.CommandMoveDown,
	"left":  core.CommandMoveLeft,
	"right": core.CommandMoveRight,
}

// handleMove applies a relative move to the thing's desired position. It
// writes through the same path as shadow/update, so subscribers see it on
// update/accepted.
func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.NotFound(w, r)
		return
	}
	thing := r.PathValue("thing")
	var req MoveRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxMessageSize)).Decode(&req); err != nil {
		s.writeError(w, thing, errInvalidJSON)
		return
	}
	cmd, ok := moveCommands[req.Cmd]
	if !ok {
		s.writeError(w, thing, fmt.Errorf("%w: %q", errUnknownCommand, req.Cmd))
		return
	}

	x, y, err := s.store.Move(r.Context(), thing, cmd, req.Delta)
	if err != nil {
		s.writeError(w, thing, err)
		return
	}
	s.logger.Info("Move requested", "thing", thing, "cmd", req.Cmd, "delta", req.Delta, "x", x, "y", y)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(MoveResponse{Status: "command_sent", X: x, Y: y})
}

// announcing routes updates through Server.update so they reach subscribers.
type announcing struct{ s *Server }

func (a announcing) Get(ctx context.Context, thing string) (core.ShadowDocument, error) {
	return a.s.backend.Get(ctx, thing)
}

func (a announcing) Update(ctx context.Context, thing string, doc core.ShadowDocument) (core.ShadowDocument, error) {
	return a.s.update(ctx, thing, doc)
}

func (s *Server) handleListThings(w http.ResponseWriter, r *http.Request) {
	lister, ok := s.backend.(Lister)
	if !ok {
		http.NotFound(w, r)
		return
	}
	things, err := lister.Things(r.Context())
	if err != nil {
		s.writeError(w, "", err)
		return
	}
	if things == nil {
		things = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string][]string{"things": things})
}

func (s *Server) writeError(w http.ResponseWriter, thing string, err error) {
	e := s.rejection(thing, "", err)
	code := iotdataplane.ErrCodeInternalFailureException
	switch {
	case errors.Is(err, shadow.ErrNotFound):
		code = iotdataplane.ErrCodeResourceNotFoundException
	case errors.Is(err, shadow.ErrVersionConflict):
		code = iotdataplane.ErrCodeConflictException
	case e.Code == http.StatusBadRequest:
		code = iotdataplane.ErrCodeInvalidRequestException
	}
	w.Header().Set(errorTypeHeader, code)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": e.Message})
}
