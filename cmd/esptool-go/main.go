package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/bigbag/esptool-go/internal/bootloader"
	"github.com/bigbag/esptool-go/internal/chip"
	"github.com/bigbag/esptool-go/internal/connect"
	"github.com/bigbag/esptool-go/internal/esperr"
	"github.com/bigbag/esptool-go/internal/serial"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultPort = "/dev/ttyUSB0"
	defaultBaud = 115200
)

var (
	chipFlag string
	portFlag string
	baudFlag int

	readEfuseCount int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "esptool-go",
		Short: "Talk to the ESP8266/ESP32 ROM bootloader over serial",
		Long: `esptool-go is a host-side driver for the ESP8266/ESP32 ROM bootloader
protocol: SLIP-framed request/response exchanges over a serial line, with
a DTR/RTS reset ritual to get a cold chip into download mode.`,
		PersistentPreRunE: validateChipFlag,
	}
	rootCmd.PersistentFlags().StringVar(&chipFlag, "chip", "auto", "target chip (auto|esp8266|esp32)")
	rootCmd.PersistentFlags().StringVarP(&portFlag, "port", "p", defaultPort, "serial port")
	rootCmd.PersistentFlags().IntVarP(&baudFlag, "baud", "b", defaultBaud, "baud rate")

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Reset the chip and sync with the ROM bootloader",
		RunE:  runSync,
	}

	readRegCmd := &cobra.Command{
		Use:   "read_reg <address> [offset]",
		Short: "Read a 32-bit register (address + optional offset, hex or decimal)",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runReadReg,
	}

	readEfuseCmd := &cobra.Command{
		Use:   "read_efuse <index>",
		Short: "Read one or more consecutive eFuse words",
		Args:  cobra.ExactArgs(1),
		RunE:  runReadEfuse,
	}
	readEfuseCmd.Flags().IntVar(&readEfuseCount, "count", 1, "number of consecutive eFuse words to read")

	enableFlashCmd := &cobra.Command{
		Use:   "enable_flash [hspi]",
		Short: "Attach the SPI flash chip (default pins if hspi is omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runEnableFlash,
	}

	readMacCmd := &cobra.Command{
		Use:   "read_mac",
		Short: "Read the chip's burned-in MAC address",
		RunE:  runReadMac,
	}

	chipIDCmd := &cobra.Command{
		Use:   "chip_id",
		Short: "Read the chip identification word",
		RunE:  runChipID,
	}

	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Connect and print a summary of the attached device",
		RunE:  runInfo,
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		RunE:  runList,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("esptool-go %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	rootCmd.AddCommand(
		syncCmd, readRegCmd, readEfuseCmd, enableFlashCmd, readMacCmd,
		chipIDCmd, infoCmd, listCmd, versionCmd,
	)
	rootCmd.AddCommand(outOfScopeCommands()...)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func validateChipFlag(cmd *cobra.Command, args []string) error {
	switch chipFlag {
	case "auto", "esp8266", "esp32":
		return nil
	default:
		return esperr.New(esperr.Command, fmt.Sprintf("--chip: unknown value %q (want auto, esp8266, or esp32)", chipFlag))
	}
}

// connectDevice runs the reset/sync ritual against the configured port and
// baud rate, printing the same "Connecting..." + glyph + "Connected!"
// sequence the teacher's flasher prints, then returns the open port (the
// caller must Close it) and a Bootloader ready to issue commands over it.
func connectDevice() (*serial.Port, *bootloader.Bootloader, error) {
	fmt.Println("Connecting...")
	port, bl, err := connect.Connect(portFlag, baudFlag, os.Stdout)
	if err != nil {
		return nil, nil, err
	}
	fmt.Println()
	fmt.Println("Connected!")
	return port, bl, nil
}

func runSync(cmd *cobra.Command, args []string) error {
	port, _, err := connectDevice()
	if err != nil {
		return err
	}
	defer port.Close()

	fmt.Println("Sync OK")
	return nil
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, esperr.Wrap(esperr.Command, "invalid numeric argument "+strconv.Quote(s), err)
	}
	return uint32(v), nil
}

func runReadReg(cmd *cobra.Command, args []string) error {
	addr, err := parseUint32(args[0])
	if err != nil {
		return err
	}
	var offset uint32
	if len(args) == 2 {
		offset, err = parseUint32(args[1])
		if err != nil {
			return err
		}
	}

	port, bl, err := connectDevice()
	if err != nil {
		return err
	}
	defer port.Close()

	value, err := bl.ReadReg(chip.Register(addr), offset)
	if err != nil {
		return err
	}

	fmt.Printf("0x%08X\n", value)
	return nil
}

func runReadEfuse(cmd *cobra.Command, args []string) error {
	start, err := parseUint32(args[0])
	if err != nil {
		return err
	}
	if readEfuseCount < 1 {
		return esperr.New(esperr.Command, "--count must be at least 1")
	}

	port, bl, err := connectDevice()
	if err != nil {
		return err
	}
	defer port.Close()

	var bar *progressbar.ProgressBar
	if readEfuseCount > 1 {
		bar = progressbar.NewOptions(readEfuseCount,
			progressbar.OptionSetDescription("Reading eFuse"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}

	for i := 0; i < readEfuseCount; i++ {
		value, err := bl.ReadEfuse(start + uint32(i))
		if err != nil {
			return err
		}
		if bar != nil {
			bar.Add(1)
		}
		fmt.Printf("efuse[%d] = 0x%08X\n", start+uint32(i), value)
	}
	if bar != nil {
		bar.Finish()
	}
	return nil
}

func runEnableFlash(cmd *cobra.Command, args []string) error {
	var hspi uint32
	if len(args) == 1 {
		v, err := parseUint32(args[0])
		if err != nil {
			return err
		}
		hspi = v
	}

	port, bl, err := connectDevice()
	if err != nil {
		return err
	}
	defer port.Close()

	if err := bl.EnableFlash(hspi); err != nil {
		return err
	}
	fmt.Println("Flash attached")
	return nil
}

func runReadMac(cmd *cobra.Command, args []string) error {
	port, bl, err := connectDevice()
	if err != nil {
		return err
	}
	defer port.Close()

	mac, err := bl.ReadMac()
	if err != nil {
		return err
	}

	fmt.Printf("%02X:%02X:%02X:%02X:%02X:%02X\n", mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
	return nil
}

func runChipID(cmd *cobra.Command, args []string) error {
	port, bl, err := connectDevice()
	if err != nil {
		return err
	}
	defer port.Close()

	id, err := bl.ChipID()
	if err != nil {
		return err
	}

	fmt.Printf("0x%02X (%s)\n", uint32(id), chip.Name(id))
	return nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	port, bl, err := connectDevice()
	if err != nil {
		return err
	}
	defer port.Close()

	id, err := bl.ChipID()
	if err != nil {
		return err
	}

	mac, err := bl.ReadMac()
	if err != nil {
		return err
	}

	fmt.Printf("  Port:  %s\n", portFlag)
	fmt.Printf("  Baud:  %d\n", baudFlag)
	fmt.Printf("  Chip:  %s (0x%02X)\n", chip.Name(id), uint32(id))
	fmt.Printf("  MAC:   %02X:%02X:%02X:%02X:%02X:%02X\n", mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	ports, err := serial.ListPorts()
	if err != nil {
		return err
	}

	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	fmt.Println("Available serial ports:")
	for _, p := range ports {
		fmt.Printf("  %s\n", p)
	}
	return nil
}

// outOfScopeCommands registers the rest of spec.md's §6 subcommand surface
// so the CLI dispatches every name a real esptool user would expect, even
// though their business logic (image building, flash writes, erase) is an
// explicit Non-goal here.
func outOfScopeCommands() []*cobra.Command {
	names := []struct{ use, short string }{
		{"load_ram", "Load and execute a RAM image (out of scope)"},
		{"dump_mem", "Dump a region of chip memory (out of scope)"},
		{"read_mem", "Read a word of chip memory (out of scope)"},
		{"write_mem", "Write a word of chip memory (out of scope)"},
		{"write_flash", "Write an image to flash (out of scope)"},
		{"run", "Exit the bootloader and run the loaded app (out of scope)"},
		{"image_info", "Print information about a firmware image (out of scope)"},
		{"make_image", "Build a firmware image from sections (out of scope)"},
		{"elf2image", "Convert an ELF file to a firmware image (out of scope)"},
		{"flash_id", "Read the SPI flash chip's JEDEC ID (out of scope)"},
		{"read_flash_status", "Read the SPI flash status register (out of scope)"},
		{"write_flash_status", "Write the SPI flash status register (out of scope)"},
		{"read_flash", "Read a region of flash to a file (out of scope)"},
		{"verify_flash", "Verify flash contents against a local file (out of scope)"},
		{"erase_flash", "Erase the entire flash chip (out of scope)"},
		{"erase_region", "Erase a region of flash (out of scope)"},
	}

	cmds := make([]*cobra.Command, 0, len(names))
	for _, n := range names {
		use, short := n.use, n.short
		cmds = append(cmds, &cobra.Command{
			Use:   use,
			Short: short,
			RunE: func(cmd *cobra.Command, args []string) error {
				return esperr.New(esperr.Command, use+": not implemented (flash-write/image business logic is out of scope for this driver)")
			},
		})
	}
	return cmds
}
