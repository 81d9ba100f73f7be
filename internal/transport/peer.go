package transport

import (
	"context"
	"log/slog"

	"vrlink/pkg/models"
)

// ProposalPeer runs the host side of negotiation over a Conn.
type ProposalPeer struct {
	conn    *Conn
	replies chan models.ProposalReply
}

// NewProposalPeer registers the proposal reply handler on c.
func NewProposalPeer(c *Conn) *ProposalPeer {
	p := &ProposalPeer{conn: c, replies: make(chan models.ProposalReply, 4)}
	c.Handle(models.MsgProposalReply, func(env models.Envelope) {
		var r models.ProposalReply
		if err := env.DecodePayload(&r); err != nil {
			c.logger.Warn("bad proposal reply", slog.Any("error", err))
			return
		}
		select {
		case p.replies <- r:
		default:
			c.logger.Warn("dropping unexpected proposal reply", slog.String("session", r.SessionID))
		}
	})
	return p
}

func (p *ProposalPeer) SendProposal(prop models.Proposal) error {
	return p.conn.SendProposal(prop)
}

func (p *ProposalPeer) AwaitReply(ctx context.Context) (models.ProposalReply, error) {
	select {
	case <-ctx.Done():
		return models.ProposalReply{}, ctx.Err()
	case <-p.conn.Done():
		return models.ProposalReply{}, ErrClosed
	case r := <-p.replies:
		return r, nil
	}
}
