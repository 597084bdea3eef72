package main

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/appetiteclub/orderdesk/internal/board"
	"github.com/appetiteclub/orderdesk/internal/order"
	"github.com/appetiteclub/orderdesk/internal/session"
	"go.uber.org/zap"
)

type boardSource interface {
	Snapshot() session.Snapshot
	Board() []order.Order
}

// screen redraws the board when invalidated. Bursts of changes within the
// debounce window collapse into one redraw.
type screen struct {
	src    boardSource
	board  *board.Board
	out    io.Writer
	tty    bool
	logger *zap.Logger
	dirty  chan struct{}
}

func newScreen(src boardSource, b *board.Board, out io.Writer, tty bool, logger *zap.Logger) *screen {
	return &screen{
		src:    src,
		board:  b,
		out:    out,
		tty:    tty,
		logger: logger,
		dirty:  make(chan struct{}, 1),
	}
}

func (s *screen) invalidate() {
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

func (s *screen) run(ctx context.Context, debounce time.Duration) {
	ticker := time.NewTicker(ageTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.draw()
		case <-s.dirty:
			if debounce > 0 {
				select {
				case <-time.After(debounce):
				case <-ctx.Done():
					return
				}
				// changes that arrived during the wait are part of this draw
				select {
				case <-s.dirty:
				default:
				}
			}
			s.draw()
		}
	}
}

func (s *screen) draw() {
	var buf bytes.Buffer
	if s.tty {
		buf.WriteString(clearScreen)
	}
	if err := s.board.Render(&buf, s.src.Snapshot(), s.src.Board()); err != nil {
		s.logger.Error("cannot render board", zap.Error(err))
		return
	}
	if !s.tty {
		buf.WriteString("\n")
	}
	if _, err := s.out.Write(buf.Bytes()); err != nil {
		s.logger.Debug("cannot write board", zap.Error(err))
	}
}
