package config

import (
	"bufio"
	"errors"
	"os"
	"strings"
)

// PPD holds the few header keywords the gateway reports about the driver
// file it hands out. The file itself is served byte for byte.
type PPD struct {
	Path          string
	NickName      string
	Model         string
	Make          string
	ColorDevice   bool
	LanguageLevel string
	Size          int64
}

var ErrNotPPD = errors.New("config: not a PPD file")

func LoadPPD(path string) (*PPD, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	ppd := &PPD{Path: path, Size: info.Size()}
	sc := bufio.NewScanner(f)
	first := true
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if first {
			first = false
			if !strings.HasPrefix(line, "*PPD-Adobe:") {
				return nil, ErrNotPPD
			}
			continue
		}
		key, val, ok := splitPPDLine(line)
		if !ok {
			continue
		}
		switch key {
		case "NickName":
			ppd.NickName = val
		case "ModelName":
			ppd.Model = val
		case "Manufacturer":
			ppd.Make = val
		case "ColorDevice":
			ppd.ColorDevice = strings.EqualFold(val, "true") || val == "1" || strings.EqualFold(val, "yes")
		case "LanguageLevel":
			ppd.LanguageLevel = val
		}
	}
	if first {
		return nil, ErrNotPPD
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return ppd, nil
}

// MakeAndModel is the printer-make-and-model value for the PPD.
func (p *PPD) MakeAndModel() string {
	if p == nil {
		return ""
	}
	if p.NickName != "" {
		return p.NickName
	}
	return strings.TrimSpace(p.Make + " " + p.Model)
}

func splitPPDLine(line string) (string, string, bool) {
	if !strings.HasPrefix(line, "*") || strings.HasPrefix(line, "*%") {
		return "", "", false
	}
	key, val, ok := strings.Cut(line[1:], ":")
	if !ok || strings.ContainsAny(key, " \t") {
		return "", "", false
	}
	return key, strings.Trim(strings.TrimSpace(val), "\""), true
}
