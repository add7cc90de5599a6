/*
 * Copyright (c) 2026, VHood Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/vhood-net/vhood-tunnel-core/vhood/server"
	"github.com/vhood-net/vhood-tunnel-core/vhood/server/access"
)

func main() {

	flag.Parse()
	args := flag.Args()

	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch args[0] {
	case "generate":
		err = generate(args[1:])
	case "run":
		err = run(args[1:])
	case "stop":
		err = stop(args[1:])
	case "token":
		err = token(args[1:])
	default:
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %s failed: %s\n", os.Args[0], args[0], err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr,
		"usage: %s generate|run|stop|token [options]\n", os.Args[0])
}

func generate(args []string) error {

	flags := flag.NewFlagSet("generate", flag.ExitOnError)
	ipAddress := flags.String(
		"ipaddress", "", "public IP address announced to clients")
	tcpPorts := flags.String(
		"tcp-ports", "443", "comma-separated TCP listening ports")
	udpPort := flags.Int(
		"udp-port", 0, "UDP listening port; 0 disables UDP channels")
	configFilename := flags.String(
		"config", server.SERVER_CONFIG_FILENAME, "output config file")
	flags.Parse(args)

	ports, err := parsePorts(*tcpPorts)
	if err != nil {
		return err
	}

	configJSON, err := server.GenerateConfig(
		&server.GenerateConfigParams{
			ServerIPAddress: *ipAddress,
			TCPPorts:        ports,
			UDPPort:         *udpPort,
		})
	if err != nil {
		return err
	}

	return os.WriteFile(*configFilename, configJSON, 0600)
}

func run(args []string) error {

	flags := flag.NewFlagSet("run", flag.ExitOnError)
	configFilename := flags.String(
		"config", server.SERVER_CONFIG_FILENAME, "config file")
	flags.Parse(args)

	configJSON, err := os.ReadFile(*configFilename)
	if err != nil {
		return err
	}

	return server.RunServices(configJSON, nil)
}

func stop(args []string) error {

	config, _, err := loadConfigFlag(args, "stop")
	if err != nil {
		return err
	}
	return access.RequestStop(config.StoragePath)
}

func token(args []string) error {

	if len(args) < 1 {
		return fmt.Errorf(
			"usage: token create|list|delete|usage [options]")
	}

	switch args[0] {
	case "create":
		return tokenCreate(args[1:])
	case "list":
		return tokenList(args[1:])
	case "delete":
		return tokenDelete(args[1:])
	case "usage":
		return tokenUsage(args[1:])
	}
	return fmt.Errorf("unknown token command: %s", args[0])
}

func tokenCreate(args []string) error {

	flags := flag.NewFlagSet("token create", flag.ExitOnError)
	configFilename := flags.String(
		"config", server.SERVER_CONFIG_FILENAME, "config file")
	maxClients := flags.Int(
		"max-clients", 0, "maximum concurrent clients; 0 for unlimited")
	maxTraffic := flags.Int64(
		"max-traffic", 0, "traffic quota in bytes; 0 for unlimited")
	expiration := flags.String(
		"expires", "", "expiration time, RFC 3339; blank for none")
	flags.Parse(args)

	manager, err := openAccessManager(*configFilename)
	if err != nil {
		return err
	}

	item, err := manager.CreateToken(&access.CreateTokenParams{
		MaxClientCount: *maxClients,
		MaxTraffic:     *maxTraffic,
		ExpirationTime: *expiration,
	})
	if err != nil {
		return err
	}

	accessKey, err := item.Token.EncodeAccessKey()
	if err != nil {
		return err
	}

	fmt.Printf("TokenId: %s\nAccessKey: %s\n", item.Token.TokenID, accessKey)
	return nil
}

func tokenList(args []string) error {

	config, _, err := loadConfigFlag(args, "token list")
	if err != nil {
		return err
	}
	manager, err := openManagerForConfig(config)
	if err != nil {
		return err
	}

	tokenIDs, err := manager.ListTokenIDs()
	if err != nil {
		return err
	}
	for _, tokenID := range tokenIDs {
		fmt.Println(tokenID)
	}
	return nil
}

func tokenDelete(args []string) error {

	flags := flag.NewFlagSet("token delete", flag.ExitOnError)
	configFilename := flags.String(
		"config", server.SERVER_CONFIG_FILENAME, "config file")
	tokenID := flags.String("id", "", "token id")
	flags.Parse(args)

	if *tokenID == "" {
		return fmt.Errorf("-id is required")
	}

	manager, err := openAccessManager(*configFilename)
	if err != nil {
		return err
	}
	return manager.DeleteToken(*tokenID)
}

func tokenUsage(args []string) error {

	flags := flag.NewFlagSet("token usage", flag.ExitOnError)
	configFilename := flags.String(
		"config", server.SERVER_CONFIG_FILENAME, "config file")
	tokenID := flags.String("id", "", "token id")
	flags.Parse(args)

	if *tokenID == "" {
		return fmt.Errorf("-id is required")
	}

	manager, err := openAccessManager(*configFilename)
	if err != nil {
		return err
	}

	usage, err := manager.GetTokenUsage(*tokenID)
	if err != nil {
		return err
	}

	fmt.Printf("Sent: %d\nReceived: %d\n", usage.Sent, usage.Received)
	return nil
}

func loadConfigFlag(
	args []string, command string) (*server.Config, string, error) {

	flags := flag.NewFlagSet(command, flag.ExitOnError)
	configFilename := flags.String(
		"config", server.SERVER_CONFIG_FILENAME, "config file")
	flags.Parse(args)

	configJSON, err := os.ReadFile(*configFilename)
	if err != nil {
		return nil, "", err
	}
	config, err := server.LoadConfig(configJSON)
	if err != nil {
		return nil, "", err
	}
	return config, *configFilename, nil
}

func openAccessManager(configFilename string) (*access.Manager, error) {

	configJSON, err := os.ReadFile(configFilename)
	if err != nil {
		return nil, err
	}
	config, err := server.LoadConfig(configJSON)
	if err != nil {
		return nil, err
	}
	return openManagerForConfig(config)
}

func openManagerForConfig(config *server.Config) (*access.Manager, error) {

	if config.AccessManagerURL != "" {
		return nil, fmt.Errorf(
			"token commands manage the file-backed access manager; " +
				"this server uses an HTTP access manager")
	}
	return access.NewManager(
		config.StoragePath, "", config.TCPEndPoints())
}

func parsePorts(list string) ([]int, error) {
	var ports []int
	for _, field := range strings.Split(list, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		port, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("invalid port: %s", field)
		}
		ports = append(ports, port)
	}
	return ports, nil
}
