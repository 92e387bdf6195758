// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// Copyright 2022 The cavelake Authors.
// SPDX-License-Identifier: Apache-2.0
package cmd

import (
	"io"
	"strings"

	"github.com/bdpedigo/cavelake"
	"github.com/bdpedigo/cavelake/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func NewRootCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	rc := &cobra.Command{
		Use:   "cavelake",
		Short: "cavelake moves materialized CAVE tables into partitioned parquet tables.",
		Long: `cavelake moves materialized CAVE tables into partitioned parquet tables.

It requests a CSV dump of a table from the materialization service, stages
and decompresses it, translates its schema, decodes point geometry, assigns
each row a partition and writes the rows in bounded chunks. The written
table is then z-ordered, given bloom filters and vacuumed.

Every option can be given as a flag, as an environment variable (the flag
name upper cased with dashes replaced by underscores, e.g. N_PARTITIONS) or
in a TOML file passed with --config, in that order of priority.

Version: ` + cavelake.Version + "\n",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			return setAllConfig(v, cmd.Flags())
		},
	}
	rc.PersistentFlags().StringP("config", "c", "", "Configuration file to read from.")

	rc.AddCommand(newRunCommand(stdin, stdout, stderr))
	rc.AddCommand(newOptimizeCommand(stdin, stdout, stderr))
	rc.AddCommand(newVacuumCommand(stdin, stdout, stderr))
	rc.AddCommand(newInspectCommand(stdin, stdout, stderr))
	rc.AddCommand(newConfigCommand(stdin, stdout, stderr))

	rc.SetOut(stdout)
	rc.SetErr(stderr)
	return rc
}

// setAllConfig fills every flag in flags that was not given on the command
// line, first from an environment variable named after the flag (upper case,
// dashes as underscores, no prefix, so N_PARTITIONS sets --n-partitions) and
// then from the TOML file named by --config. Flags hold pointers into the
// command's Config, so nothing needs copying afterwards. Unknown keys in the
// file are an error.
func setAllConfig(v *viper.Viper, flags *pflag.FlagSet) error {
	err := v.BindPFlags(flags)
	if err != nil {
		return err
	}

	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	c := v.GetString("config")
	var flagErr error
	validTags := make(map[string]bool)
	flags.VisitAll(func(f *pflag.Flag) {
		validTags[f.Name] = true
	})

	if c != "" {
		v.SetConfigFile(c)
		v.SetConfigType("toml")
		err := v.ReadInConfig()
		if err != nil {
			return errors.Newf(errors.ErrConfiguration, "error reading configuration file '%s': %v", c, err)
		}

		for _, key := range v.AllKeys() {
			if _, ok := validTags[key]; !ok {
				return errors.Newf(errors.ErrConfiguration, "invalid option in configuration file: %v", key)
			}
		}
	}

	flags.VisitAll(func(f *pflag.Flag) {
		if flagErr != nil {
			return
		}
		if f.Changed {
			// The flag was set on the command line, which wins. Setting it
			// again would append to slice values rather than replace them.
			return
		}
		if !v.IsSet(f.Name) {
			return
		}
		var value string
		if f.Value.Type() == "stringSlice" {
			// v.GetString returns "" for a real slice from a config file
			// rather than a comma separated string from a flag or env var.
			value = strings.Join(v.GetStringSlice(f.Name), ",")
		} else {
			value = v.GetString(f.Name)
		}
		if err := f.Value.Set(value); err != nil {
			flagErr = errors.Newf(errors.ErrConfiguration, "invalid value %q for %s: %v", value, f.Name, err)
		}
	})
	return flagErr
}
