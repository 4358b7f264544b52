package notifier

import (
	"context"
	"fmt"

	"github.com/diagnosis/smartregister/pkg/logger"
)

// DevNotifier prints messages instead of sending them.
type DevNotifier struct{}

func NewDevNotifier() *DevNotifier {
	return &DevNotifier{}
}

func (d *DevNotifier) Send(ctx context.Context, phone, text string) error {
	logger.InfoContext(ctx, "[DEV SMS] message", "to", phone, "text", text)

	fmt.Printf("\n"+
		"━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n"+
		"SMS (DEV MODE) to %s\n"+
		"━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n"+
		"%s\n"+
		"━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n",
		phone, text)

	return nil
}
