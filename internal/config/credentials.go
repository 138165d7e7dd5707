package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Credentials identify the library card used to sign in.
type Credentials struct {
	InstitutionID string
	CardNumber    string
	PIN           string
}

// HasPIN reports whether the credentials file supplied a PIN.
func (c Credentials) HasPIN() bool {
	return c.PIN != ""
}

// String renders the credentials the way they appear in the file, for diagnostics.
func (c Credentials) String() string {
	fields := []string{c.InstitutionID, c.CardNumber}
	if c.HasPIN() {
		fields = append(fields, c.PIN)
	}
	return strings.Join(fields, ",")
}

// ParseCredentials parses "institutionId,cardNumber[,pin]".
func ParseCredentials(line string) (Credentials, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Credentials{}, errors.New("credentials line is empty")
	}

	fields := strings.Split(line, ",")
	if len(fields) != 2 && len(fields) != 3 {
		return Credentials{}, fmt.Errorf("expected 2 or 3 comma-separated fields, got %d", len(fields))
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
		if fields[i] == "" {
			return Credentials{}, fmt.Errorf("field %d is empty", i+1)
		}
	}

	creds := Credentials{
		InstitutionID: fields[0],
		CardNumber:    fields[1],
	}
	if len(fields) == 3 {
		creds.PIN = fields[2]
	}
	return creds, nil
}

// LoadCredentials reads the first line of the credentials file.
func LoadCredentials(path string) (Credentials, error) {
	if path == "" {
		return Credentials{}, errors.New("credentials path is required")
	}
	f, err := os.Open(path)
	if err != nil {
		return Credentials{}, fmt.Errorf("missing credentials file %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return Credentials{}, fmt.Errorf("reading credentials file %s: %w", path, err)
		}
		return Credentials{}, fmt.Errorf("malformed credentials file %s: file is empty", path)
	}

	creds, err := ParseCredentials(scanner.Text())
	if err != nil {
		return Credentials{}, fmt.Errorf("malformed credentials file %s: %w", path, err)
	}
	return creds, nil
}
