package notify

import (
	"context"
	"fmt"

	"github.com/oszuidwest/zwfm-noisemonitor/internal/types"
	"github.com/oszuidwest/zwfm-noisemonitor/internal/util"
)

// GraphConfig is the configuration for email notifications.
type GraphConfig = types.GraphConfig

// alarmEmail renders the subject and body for an alarm that started sounding.
func alarmEmail(ep *Episode) (string, string) {
	subject := "[ALERT] Noise Alarm - " + ep.Station
	body := fmt.Sprintf(
		"The noise alarm is sounding.\n\n"+
			"Level:      %s (volume %.0f)\n"+
			"Noisy for:  %s\n"+
			"Message:    %s\n"+
			"Time:       %s\n\n"+
			"The alarm stops once the room stays below the noisy threshold.",
		ep.Level, ep.Volume, util.FormatDuration(ep.NoisyFor.Milliseconds()), ep.Message, util.FormatTime(ep.Time),
	)
	return subject, body
}

// releaseEmail renders the subject and body for an alarm that stopped.
func releaseEmail(ep *Episode) (string, string) {
	subject := "[OK] Noise Alarm Released - " + ep.Station
	body := fmt.Sprintf(
		"The noise alarm stopped.\n\n"+
			"Level:         %s\n"+
			"Alarm sounded: %s\n"+
			"Time:          %s",
		ep.Level, util.FormatDuration(ep.Sounded.Milliseconds()), util.FormatTime(ep.Time),
	)
	return subject, body
}

// SendTestEmail sends a test email to verify email configuration.
func SendTestEmail(ctx context.Context, cfg *GraphConfig, stationName string) error {
	if err := ValidateConfig(cfg); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	client, err := NewGraphClient(cfg)
	if err != nil {
		return fmt.Errorf("create Graph client: %w", err)
	}

	if err := client.ValidateAuth(ctx); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	subject := "[TEST] " + stationName
	body := fmt.Sprintf(
		"Test email from the %s.\n\n"+
			"Time: %s\n\n"+
			"Microsoft Graph configuration is working correctly.",
		AppName, util.HumanTime(),
	)

	if err := client.SendMail(ctx, ParseRecipients(cfg.Recipients), subject, body); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	return nil
}
