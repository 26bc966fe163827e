package mitigation

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"time"

	"github.com/1sec-project/dioguard/internal/core"
	"github.com/1sec-project/dioguard/internal/detect"
)

// ControlRequest is an operator command on dio.control.blacklist.
type ControlRequest struct {
	Op        string `json:"op"` // "add", "remove" or "list"
	Sender    string `json:"sender,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Permanent bool   `json:"permanent,omitempty"`
}

// ControlReply answers a ControlRequest.
type ControlReply struct {
	OK      bool                    `json:"ok"`
	Error   string                  `json:"error,omitempty"`
	Entries []detect.BlacklistEntry `json:"entries,omitempty"`
}

func (m *Mitigation) handleControl(data []byte) []byte {
	reply := m.Control(data, time.Now())
	out, err := json.Marshal(reply)
	if err != nil {
		return []byte(`{"ok":false,"error":"encoding reply"}`)
	}
	return out
}

// Control applies one JSON-encoded request at now.
func (m *Mitigation) Control(data []byte, now time.Time) ControlReply {
	if m.engine == nil {
		return ControlReply{Error: errNotStarted.Error()}
	}

	var req ControlRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return ControlReply{Error: fmt.Sprintf("decoding request: %v", err)}
	}

	if req.Op == "list" {
		return ControlReply{OK: true, Entries: m.engine.Snapshot().Blacklist}
	}

	sender, err := netip.ParseAddr(req.Sender)
	if err != nil {
		return ControlReply{Error: fmt.Sprintf("invalid sender: %v", err)}
	}

	switch req.Op {
	case "add":
		entry := m.engine.Block(sender, req.Reason, req.Permanent, now)
		m.logger.Info().
			Str("sender", sender.String()).
			Bool("permanent", entry.Permanent).
			Msg("operator blacklisted sender")
		return ControlReply{OK: true, Entries: []detect.BlacklistEntry{entry}}
	case "remove":
		if !m.engine.Unblock(sender) {
			return ControlReply{Error: fmt.Sprintf("%s is not blacklisted", sender)}
		}
		m.enqueue(m.newEvent(core.EventBlacklistRemoved, core.SeverityInfo,
			fmt.Sprintf("%s removed from blacklist", sender), sender.String(), now))
		return ControlReply{OK: true}
	default:
		return ControlReply{Error: fmt.Sprintf("unknown op %q", req.Op)}
	}
}
