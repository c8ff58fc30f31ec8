package banner

import (
	"github.com/pterm/pterm"
	"github.com/pterm/pterm/putils"
)

// Version is set at build time with -ldflags "-X pgstream/internal/banner.Version=..."
var Version = "0.1.0"

func Print() {
	ptermLogo, _ := pterm.DefaultBigText.WithLetters(
		putils.LettersFromStringWithRGB("pg", pterm.NewRGB(51, 103, 145)),
		putils.LettersFromStringWithRGB("stream", pterm.NewRGB(255, 255, 255))).
		Srender()

	pterm.DefaultCenter.Print(ptermLogo)

	pterm.DefaultCenter.Print(
		pterm.DefaultHeader.
			WithFullWidth().
			WithBackgroundStyle(pterm.NewStyle(pterm.BgBlue)).
			WithMargin(5).
			Sprint(pterm.White("pgstream - live PostgreSQL statement feed")),
	)

	pterm.Info.Println(
		"Streams every statement a PostgreSQL server executes, reconstructed from its log files." +
			"\nServer logging is switched back to its defaults when a session ends." +
			"\nVersion " + Version + ".",
	)
}
