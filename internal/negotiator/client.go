package negotiator

import (
	"fmt"

	"vrlink/pkg/models"
)

// Client evaluates host proposals on the headset.
type Client struct {
	Capability models.ClientCapability
	// AllowFoveation false makes the headset reject foveated proposals.
	AllowFoveation bool
	// MaxViewPixels is the decoder limit per eye; zero means no limit.
	MaxViewPixels uint64
}

// NewClient creates a client that accepts any proposal fitting capability.
func NewClient(capability models.ClientCapability) *Client {
	return &Client{Capability: capability, AllowFoveation: true}
}

// Evaluate accepts or rejects a proposal.
func (c *Client) Evaluate(p models.Proposal) models.ProposalReply {
	if err := c.check(p); err != nil {
		return models.ProposalReply{SessionID: p.SessionID, Accepted: false, Reason: err.Error()}
	}
	return models.ProposalReply{SessionID: p.SessionID, Accepted: true}
}

func (c *Client) check(p models.Proposal) error {
	cfg := p.Config
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.ViewWidth > c.Capability.DisplayWidth || cfg.ViewHeight > c.Capability.DisplayHeight {
		return fmt.Errorf("view %s exceeds display %dx%d", cfg.Resolution(), c.Capability.DisplayWidth, c.Capability.DisplayHeight)
	}
	if c.MaxViewPixels > 0 && uint64(cfg.ViewWidth)*uint64(cfg.ViewHeight) > c.MaxViewPixels {
		return fmt.Errorf("view %s exceeds decoder limit of %d pixels", cfg.Resolution(), c.MaxViewPixels)
	}
	if cfg.FoveationEnabled && !c.AllowFoveation {
		return fmt.Errorf("foveation not supported")
	}
	if !c.Capability.SupportsCodec(p.Codec.Codec) {
		return fmt.Errorf("codec %q not supported", p.Codec.Codec)
	}
	for _, r := range c.Capability.RefreshRates {
		if r == p.RefreshRate {
			return nil
		}
	}
	return fmt.Errorf("refresh rate %v not supported", p.RefreshRate)
}
