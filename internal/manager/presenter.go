package manager

import (
	"github.com/rs/zerolog"

	"github.com/e7canasta/flame-avsim/internal/liveness"
	"github.com/e7canasta/flame-avsim/internal/log"
	"github.com/e7canasta/flame-avsim/internal/mapi"
	"github.com/e7canasta/flame-avsim/internal/scenario"
)

// Presenter receives everything an operator view shows. Every method is
// called from the manager's event loop and must not block.
type Presenter interface {
	StatusText(text string)
	SetRows(rows []scenario.Row)
	ResetRows()
	HighlightRow(row int)
	MarkPeer(peer mapi.PeerID, state liveness.State)
	ScenarioEnded()
}

// LogPresenter renders presenter calls as log lines.
type LogPresenter struct {
	logger zerolog.Logger
}

// NewLogPresenter creates a presenter writing to the "presenter" component logger.
func NewLogPresenter() *LogPresenter {
	return &LogPresenter{logger: log.WithComponent("presenter")}
}

func (p *LogPresenter) StatusText(text string) {
	p.logger.Info().Msg(text)
}

func (p *LogPresenter) SetRows(rows []scenario.Row) {
	p.logger.Info().Int("rows", len(rows)).Msg("scenario table replaced")
}

func (p *LogPresenter) ResetRows() {}

func (p *LogPresenter) HighlightRow(row int) {
	p.logger.Debug().Int("row", row).Msg("row highlighted")
}

func (p *LogPresenter) MarkPeer(peer mapi.PeerID, state liveness.State) {
	p.logger.Info().Str(log.FieldPeer, string(peer)).Str(log.FieldState, state.String()).Msg("peer marked")
}

func (p *LogPresenter) ScenarioEnded() {
	p.logger.Info().Str(log.FieldEvent, "scenario.ended").Msg("scenario ended")
}

// Presenters fans every call out to each element in order.
type Presenters []Presenter

func (ps Presenters) StatusText(text string) {
	for _, p := range ps {
		p.StatusText(text)
	}
}

func (ps Presenters) SetRows(rows []scenario.Row) {
	for _, p := range ps {
		p.SetRows(rows)
	}
}

func (ps Presenters) ResetRows() {
	for _, p := range ps {
		p.ResetRows()
	}
}

func (ps Presenters) HighlightRow(row int) {
	for _, p := range ps {
		p.HighlightRow(row)
	}
}

func (ps Presenters) MarkPeer(peer mapi.PeerID, state liveness.State) {
	for _, p := range ps {
		p.MarkPeer(peer, state)
	}
}

func (ps Presenters) ScenarioEnded() {
	for _, p := range ps {
		p.ScenarioEnded()
	}
}
