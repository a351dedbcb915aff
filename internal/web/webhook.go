package web

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/example/slot-backfill/internal/engine"
	"github.com/example/slot-backfill/internal/intent"
	"github.com/example/slot-backfill/internal/messagelog"
	"github.com/example/slot-backfill/internal/sms"
)

// verified parses the webhook form and checks Twilio's signature when
// verification is on. It writes the rejection itself.
func (s *Server) verified(w http.ResponseWriter, r *http.Request) bool {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return false
	}
	if !s.VerifySignatures {
		return true
	}
	fullURL := s.BaseURL + r.URL.RequestURI()
	if !sms.ValidSignature(s.TwilioAuthToken, fullURL, r.PostForm, r.Header.Get(sms.SignatureHeader)) {
		s.log().Warn("rejected webhook with bad signature", "path", r.URL.Path)
		http.Error(w, "invalid signature", http.StatusForbidden)
		return false
	}
	return true
}

func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	if !s.verified(w, r) {
		return
	}
	from := strings.TrimSpace(r.PostForm.Get("From"))
	body := r.PostForm.Get("Body")
	if from == "" {
		http.Error(w, "missing From", http.StatusBadRequest)
		return
	}

	if s.Limiter != nil && s.InboundPerMinute > 0 &&
		!s.Limiter.Allow(r.Context(), "sms:inbound:"+from, s.InboundPerMinute, time.Minute) {
		s.Metrics.Limited("inbound")
		s.log().Warn("inbound rate limit reached", "from", from)
		writeTwiML(w, "")
		return
	}

	if s.Messages != nil {
		_, err := s.Messages.Record(r.Context(), messagelog.Entry{
			Direction:   messagelog.Inbound,
			From:        from,
			To:          r.PostForm.Get("To"),
			Body:        body,
			ProviderSID: r.PostForm.Get("MessageSid"),
			Status:      messagelog.StatusReceived,
		})
		if err != nil {
			s.log().Error("record inbound message", "err", err)
		}
	}

	in, recognised := intent.Parse(body)
	if !recognised {
		writeTwiML(w, s.Templates.Unrecognized())
		return
	}

	out, err := s.Engine.SubmitReply(r.Context(), engine.Reply{Contact: from, Intent: in})
	if err != nil {
		s.log().Error("submit reply failed", "from", from, "intent", in, "err", err)
		http.Error(w, "temporarily unavailable", http.StatusInternalServerError)
		return
	}
	writeTwiML(w, s.replyText(out.Outcome))
}

// replyText is the immediate answer for an outcome. Confirmations go out
// through the notifier, so an accept gets no inline text.
func (s *Server) replyText(o engine.Outcome) string {
	switch o {
	case engine.OutcomeSlotTaken:
		return s.Templates.TooLate()
	case engine.OutcomeOfferInvalid:
		return s.Templates.Expired()
	case engine.OutcomeDeclined:
		return s.Templates.DeclineAck()
	case engine.OutcomeAlreadyResolved, engine.OutcomeNoPendingOffer:
		return s.Templates.NoOffer()
	case engine.OutcomeOptedOut:
		return s.Templates.StopAck()
	case engine.OutcomeHelp:
		return s.Templates.Help()
	}
	return ""
}

// handleStatus records Twilio delivery callbacks. A delivery failure of an
// offer text fails that offer so the batch can move on.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.verified(w, r) {
		return
	}
	sid := r.PostForm.Get("MessageSid")
	status := r.PostForm.Get("MessageStatus")
	if sid == "" || status == "" {
		http.Error(w, "missing MessageSid or MessageStatus", http.StatusBadRequest)
		return
	}
	var code *int
	if c, err := strconv.Atoi(r.PostForm.Get("ErrorCode")); err == nil {
		code = &c
	}

	if s.Messages == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	entry, err := s.Messages.UpdateStatus(r.Context(), sid, status, code, r.PostForm.Get("ErrorMessage"))
	if err != nil {
		// unknown sid: not ours or already purged
		s.log().Warn("status callback for unknown message", "sid", sid, "status", status, "err", err)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if messagelog.IsDeliveryFailure(status) && entry.OfferID != "" {
		if err := s.Engine.HandleSendFailure(r.Context(), entry.OfferID); err != nil {
			s.log().Error("handle delivery failure", "offer_id", entry.OfferID, "err", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}
