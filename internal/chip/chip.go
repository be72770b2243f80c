// Package chip holds the constant facts about ESP8266/ESP32 silicon that
// the bootloader protocol needs but that aren't part of the wire format
// itself: chip-ID → name, and the fixed register addresses ROM commands
// read from.
package chip

// ID identifies a chip variant, as reported in a GET_SECURITY_INFO reply.
type ID uint32

// Known chip IDs.
const (
	ESP32   ID = 0x00
	ESP32S2 ID = 0x02
	ESP32C3 ID = 0x05
	ESP32S3 ID = 0x09
	ESP32C2 ID = 0x0C
	ESP32C6 ID = 0x0D
	ESP32H2 ID = 0x10
)

var names = map[ID]string{
	ESP32:   "ESP32",
	ESP32S2: "ESP32-S2",
	ESP32C3: "ESP32-C3",
	ESP32S3: "ESP32-S3",
	ESP32C2: "ESP32-C2",
	ESP32C6: "ESP32-C6",
	ESP32H2: "ESP32-H2",
}

// Name returns the human-readable chip name for id, or "Unknown" if id
// isn't recognized.
func Name(id ID) string {
	if name, ok := names[id]; ok {
		return name
	}
	return "Unknown"
}

// Register is a fixed ROM register address that read_reg/read_efuse target.
type Register uint32

// Register base addresses, common across the ESP8266/ESP32 family ROMs
// this driver targets.
const (
	UartDataReg Register = 0x60000078
	EFuseRegBase Register = 0x6001a000
)
