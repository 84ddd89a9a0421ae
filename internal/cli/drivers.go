package cli

// Driver modules register themselves by name. Both run and validate resolve
// module names against these registrations.
import (
	_ "github.com/iogate/iogate/internal/drivers/mockgpio"
	_ "github.com/iogate/iogate/internal/drivers/mocksensor"
	_ "github.com/iogate/iogate/internal/drivers/mockstream"
	_ "github.com/iogate/iogate/internal/drivers/periphgpio"
	_ "github.com/iogate/iogate/internal/drivers/serial"
	_ "github.com/iogate/iogate/internal/drivers/shtc3"
	_ "github.com/iogate/iogate/internal/drivers/snmpgpio"
)
