package state

import (
	"path/filepath"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/fvc/helpers"
	"github.com/temoto/fvc/log2"
)

type SpiConfig struct {
	Bus   string `hcl:"bus"`
	Mode  int    `hcl:"mode"`
	Speed string `hcl:"speed"`
}

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	Hardware struct {
		Spi  SpiConfig `hcl:"spi"`
		Pins struct {
			Chip  string `hcl:"chip"`
			Reset string `hcl:"reset"`
			Boot  string `hcl:"boot"`
			Ready string `hcl:"ready"`
		} `hcl:"pins"`
		Flash struct {
			Spi  SpiConfig `hcl:"spi"`
			Size int       `hcl:"size"`
		} `hcl:"flash"`
		Uart struct {
			Device        string `hcl:"device"`
			Baud          int    `hcl:"baud"`
			ReadTimeoutMs int    `hcl:"read_timeout_ms"`
		} `hcl:"uart"`
	} `hcl:"hardware"`

	Board struct {
		Id        int    `hcl:"id"`
		Config    int    `hcl:"config"`
		AppAddr   int    `hcl:"app_addr"`
		FlashSize int    `hcl:"flash_size"`
		HmacKey   string `hcl:"hmac_key"`
	} `hcl:"board"`

	Bootloader struct {
		AckRetries   int  `hcl:"ack_retries"`
		PollDelayMs  int  `hcl:"poll_delay_ms"`
		SyncAttempts int  `hcl:"sync_attempts"`
		LogDebug     bool `hcl:"log_debug"`
	} `hcl:"bootloader"`

	Update struct {
		PacketTimeoutMs int `hcl:"packet_timeout_ms"`
		PacketRetries   int `hcl:"packet_retries"`
		ChunkRetries    int `hcl:"chunk_retries"`
		ReadRetries     int `hcl:"read_retries"`
	} `hcl:"update"`

	Backup struct {
		Enable        bool `hcl:"enable"`
		CreateAtStart bool `hcl:"create_at_start"`
		RestoreAtBoot bool `hcl:"restore_at_boot"`
	} `hcl:"backup"`

	Supervisor struct {
		Enable           bool `hcl:"enable"`
		BusTimeoutMs     int  `hcl:"bus_timeout_ms"`
		ResponseRetries  int  `hcl:"response_retries"`
		InitialTimeoutMs int  `hcl:"initial_timeout_ms"`
	} `hcl:"supervisor"`

	Persist struct {
		Root string `hcl:"root"`
	} `hcl:"persist"`

	Report struct {
		Enable       bool   `hcl:"enable"`
		MqttBroker   string `hcl:"mqtt_broker"`
		Topic        string `hcl:"topic"`
		KeepaliveSec int    `hcl:"keepalive_sec"`
	} `hcl:"report"`

}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s content='%s'", source.Name, string(bs))
		*errs = append(*errs, err)
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		log.Fatal("code error [Must]ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	if err := c.validate(); err != nil {
		errs = append(errs, err)
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}

func (c *Config) validate() error {
	if c.Board.Id < 1 || c.Board.Id > 0xfe {
		return errors.NotValidf("config: board.id=%d must be 1..254", c.Board.Id)
	}
	if c.Board.Config < 0 || c.Board.Config > 0xff {
		return errors.NotValidf("config: board.config=%d", c.Board.Config)
	}
	if c.Board.AppAddr < 0 || c.Board.FlashSize < 0 || c.Hardware.Flash.Size < 0 {
		return errors.NotValidf("config: negative address or size")
	}
	if c.Board.HmacKey == "" {
		return errors.NotValidf("config: board.hmac_key=empty")
	}
	if c.Backup.Enable && c.Board.FlashSize != 0 && c.Hardware.Flash.Size != 0 && c.Hardware.Flash.Size < c.Board.FlashSize {
		return errors.NotValidf("config: hardware.flash.size=%d smaller than board.flash_size=%d", c.Hardware.Flash.Size, c.Board.FlashSize)
	}
	return nil
}
