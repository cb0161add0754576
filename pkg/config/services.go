package config

import (
	"bufio"
	"fmt"
	"os"

	"github.com/google/shlex"
	"go.uber.org/zap"
)

// OnDemandService is one line of the service table: a service name and the
// program to launch when the peer first connects to it. Args is the argv the
// program sees, with Args[0] being the program itself.
type OnDemandService struct {
	ServiceName string
	Program     string
	Args        []string
}

// LoadServices parses the service table. Tokens are whitespace-separated
// with double quotes honored. A missing file is not an error; an empty table
// is logged as a warning.
func LoadServices(path string) ([]OnDemandService, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open service table: %w", err)
	}
	defer f.Close()

	var services []OnDemandService
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		parts, err := shlex.Split(line)
		if err != nil {
			zap.L().Warn("unparsable configuration file line", zap.String("line", line), zap.Error(err))
			continue
		}
		if len(parts) == 0 {
			continue
		}
		if len(parts) < 2 {
			zap.L().Warn("invalid number of columns in configuration file line", zap.String("line", line))
			continue
		}
		services = append(services, OnDemandService{
			ServiceName: parts[0],
			Program:     parts[1],
			Args:        parts[1:],
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read service table: %w", err)
	}

	if len(services) == 0 {
		zap.L().Warn("no registered services")
	}
	return services, nil
}
