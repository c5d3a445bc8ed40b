package cover

import (
	"strings"

	"github.com/google/uuid"
)

var idNamespace = uuid.MustParse("6f1c2b7e-4a3d-4c2e-9b8a-fe50fe51b11d")

// DeviceID derives a stable id from a link address so a device keeps its
// id, and its stored friendly name, across reconnects.
func DeviceID(address string) string {
	return uuid.NewSHA1(idNamespace, []byte(strings.ToUpper(strings.TrimSpace(address)))).String()
}
