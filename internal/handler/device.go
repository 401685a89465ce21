package handler

import (
	"net/http"
	"sort"
	"time"

	"github.com/coursemart/signin/internal/middleware"
	"github.com/coursemart/signin/internal/model"
)

// deviceView is what an account owner sees about a device. The fingerprint
// hash and raw metadata never leave the server.
type deviceView struct {
	ID             string     `json:"id"`
	Label          string     `json:"label"`
	DeviceType     string     `json:"deviceType"`
	Browser        string     `json:"browser"`
	OS             string     `json:"os"`
	LastIP         string     `json:"lastIp"`
	LastLocation   string     `json:"lastLocation"`
	LastUsed       time.Time  `json:"lastUsed"`
	UsageCount     int        `json:"usageCount"`
	Trusted        bool       `json:"trusted"`
	TrustedAt      *time.Time `json:"trustedAt,omitempty"`
	CreationDevice bool       `json:"isAccountCreationDevice"`
	Current        bool       `json:"current"`
	FirstSeenAt    time.Time  `json:"firstSeenAt"`
}

func newDeviceView(d model.Device, currentID string) deviceView {
	return deviceView{
		ID:             d.ID,
		Label:          d.Browser + " on " + d.OS,
		DeviceType:     d.DeviceType,
		Browser:        d.Browser,
		OS:             d.OS,
		LastIP:         d.LastIP,
		LastLocation:   d.LastLocation,
		LastUsed:       d.LastUsed,
		UsageCount:     d.UsageCount,
		Trusted:        d.Trusted,
		TrustedAt:      d.TrustedAt,
		CreationDevice: d.IsAccountCreationDevice,
		Current:        d.ID == currentID,
		FirstSeenAt:    d.CreatedAt,
	}
}

// ListDevices returns the signed-in user's devices, trusted ones first and
// then most recently used, with the device behind this session marked.
func (h *Handler) ListDevices(w http.ResponseWriter, r *http.Request) {
	session := middleware.GetSession(r.Context())
	if session == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return
	}

	devices, err := h.devices.ListDevices(r.Context(), session.UserID)
	if err != nil {
		h.requestLog(r).Error().Err(err).Str("user_id", session.UserID).Msg("failed to list devices")
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list devices")
		return
	}

	views := make([]deviceView, 0, len(devices))
	trusted := 0
	for _, d := range devices {
		views = append(views, newDeviceView(d, session.DeviceID))
		if d.Trusted {
			trusted++
		}
	}
	sort.SliceStable(views, func(i, j int) bool {
		if views[i].Trusted != views[j].Trusted {
			return views[i].Trusted
		}
		return views[i].LastUsed.After(views[j].LastUsed)
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"devices":         views,
		"currentDeviceId": session.DeviceID,
		"trustedCount":    trusted,
	})
}
