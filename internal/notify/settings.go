package notify

import "github.com/rentchat/internal/model"

// SettingsPatch is a partial settings update: nil fields are left untouched.
type SettingsPatch struct {
	Enabled        *bool            `json:"enabled,omitempty"`
	Sound          *bool            `json:"sound,omitempty"`
	Desktop        *bool            `json:"desktop,omitempty"`
	Email          *bool            `json:"email,omitempty"`
	Mentions       *bool            `json:"mentions,omitempty"`
	DirectMessages *bool            `json:"direct_messages,omitempty"`
	GroupMessages  *bool            `json:"group_messages,omitempty"`
	Reactions      *bool            `json:"reactions,omitempty"`
	DoNotDisturb   *bool            `json:"do_not_disturb,omitempty"`
	QuietHours     *QuietHoursPatch `json:"quiet_hours,omitempty"`
}

type QuietHoursPatch struct {
	Enabled *bool   `json:"enabled,omitempty"`
	Start   *string `json:"start,omitempty"`
	End     *string `json:"end,omitempty"`
}

func (p SettingsPatch) apply(s model.NotificationSettings) model.NotificationSettings {
	setBool := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}
	setBool(&s.Enabled, p.Enabled)
	setBool(&s.Sound, p.Sound)
	setBool(&s.Desktop, p.Desktop)
	setBool(&s.Email, p.Email)
	setBool(&s.Mentions, p.Mentions)
	setBool(&s.DirectMessages, p.DirectMessages)
	setBool(&s.GroupMessages, p.GroupMessages)
	setBool(&s.Reactions, p.Reactions)
	setBool(&s.DoNotDisturb, p.DoNotDisturb)
	if p.QuietHours != nil {
		setBool(&s.QuietHours.Enabled, p.QuietHours.Enabled)
		if p.QuietHours.Start != nil {
			s.QuietHours.Start = *p.QuietHours.Start
		}
		if p.QuietHours.End != nil {
			s.QuietHours.End = *p.QuietHours.End
		}
	}
	return s
}
