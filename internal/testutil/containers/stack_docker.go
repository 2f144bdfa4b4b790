//go:build docker

package containers

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	defaultPostgresImage    = "postgres:16-alpine"
	defaultMySQLImage       = "mysql:8.4"
	defaultNATSImage        = "nats:2.10-alpine"
	defaultRabbitMQImage    = "rabbitmq:3.13-management-alpine"
	defaultKafkaImage       = "redpandadata/redpanda:v23.3.17"
	defaultPostgresUser     = "junovault"
	defaultPostgresPassword = "junovault"
	defaultPostgresDB       = "junovault"
	defaultMySQLRootPass    = "root"
	defaultMySQLDB          = "junovault"
	defaultMySQLUser        = "junovault"
	defaultMySQLPassword    = "junovault"
)

type IntegrationStack struct {
	PostgresDSN  string
	MySQLRootDSN string

	NATSURL      string
	RabbitMQURL  string
	KafkaBrokers string

	postgres testcontainers.Container
	mysql    testcontainers.Container
	nats     testcontainers.Container
	rabbitmq testcontainers.Container
	kafka    testcontainers.Container
}

func StartIntegrationStack(ctx context.Context) (*IntegrationStack, error) {
	st := &IntegrationStack{}

	cleanup := func() {
		_ = st.Terminate(context.Background())
	}

	var err error
	st.postgres, st.PostgresDSN, err = startPostgres(ctx)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("postgres: %w", err)
	}
	st.mysql, st.MySQLRootDSN, err = startMySQL(ctx)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("mysql: %w", err)
	}
	st.nats, st.NATSURL, err = startNATS(ctx)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("nats: %w", err)
	}
	st.rabbitmq, st.RabbitMQURL, err = startRabbitMQ(ctx)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("rabbitmq: %w", err)
	}
	st.kafka, st.KafkaBrokers, err = startKafka(ctx)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("kafka: %w", err)
	}

	return st, nil
}

func (st *IntegrationStack) Terminate(ctx context.Context) error {
	var firstErr error
	stop := func(c testcontainers.Container) {
		if c == nil {
			return
		}
		if err := c.Terminate(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	stop(st.kafka)
	stop(st.rabbitmq)
	stop(st.nats)
	stop(st.mysql)
	stop(st.postgres)
	return firstErr
}

func startPostgres(ctx context.Context) (testcontainers.Container, string, error) {
	req := testcontainers.ContainerRequest{
		Image:        defaultPostgresImage,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     defaultPostgresUser,
			"POSTGRES_PASSWORD": defaultPostgresPassword,
			"POSTGRES_DB":       defaultPostgresDB,
		},
		WaitingFor: wait.ForListeningPort(nat.Port("5432/tcp")).WithStartupTimeout(60 * time.Second),
	}

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, "", err
	}

	host, err := c.Host(ctx)
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, "", err
	}
	port, err := c.MappedPort(ctx, nat.Port("5432/tcp"))
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, "", err
	}

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", defaultPostgresUser, defaultPostgresPassword, host, port.Port(), defaultPostgresDB)
	return c, dsn, nil
}

func startMySQL(ctx context.Context) (testcontainers.Container, string, error) {
	req := testcontainers.ContainerRequest{
		Image:        defaultMySQLImage,
		ExposedPorts: []string{"3306/tcp"},
		Env: map[string]string{
			"MYSQL_ROOT_PASSWORD": defaultMySQLRootPass,
			"MYSQL_DATABASE":      defaultMySQLDB,
			"MYSQL_USER":          defaultMySQLUser,
			"MYSQL_PASSWORD":      defaultMySQLPassword,
		},
		WaitingFor: wait.ForListeningPort(nat.Port("3306/tcp")).WithStartupTimeout(90 * time.Second),
	}

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, "", err
	}

	host, err := c.Host(ctx)
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, "", err
	}
	port, err := c.MappedPort(ctx, nat.Port("3306/tcp"))
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, "", err
	}

	rootDSN := fmt.Sprintf("root:%s@tcp(%s:%s)/mysql", defaultMySQLRootPass, host, port.Port())
	return c, rootDSN, nil
}

func startNATS(ctx context.Context) (testcontainers.Container, string, error) {
	req := testcontainers.ContainerRequest{
		Image:        defaultNATSImage,
		ExposedPorts: []string{"4222/tcp"},
		WaitingFor:   wait.ForListeningPort(nat.Port("4222/tcp")).WithStartupTimeout(30 * time.Second),
	}

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, "", err
	}

	host, err := c.Host(ctx)
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, "", err
	}
	port, err := c.MappedPort(ctx, nat.Port("4222/tcp"))
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, "", err
	}

	return c, fmt.Sprintf("nats://%s:%s", host, port.Port()), nil
}

func startRabbitMQ(ctx context.Context) (testcontainers.Container, string, error) {
	req := testcontainers.ContainerRequest{
		Image:        defaultRabbitMQImage,
		ExposedPorts: []string{"5672/tcp"},
		WaitingFor:   wait.ForListeningPort(nat.Port("5672/tcp")).WithStartupTimeout(60 * time.Second),
	}

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, "", err
	}

	host, err := c.Host(ctx)
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, "", err
	}
	port, err := c.MappedPort(ctx, nat.Port("5672/tcp"))
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, "", err
	}

	return c, fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port()), nil
}

func startKafka(ctx context.Context) (testcontainers.Container, string, error) {
	hostPort, err := freePort()
	if err != nil {
		return nil, "", err
	}

	req := testcontainers.ContainerRequest{
		Image:        defaultKafkaImage,
		ExposedPorts: []string{"9092/tcp"},
		Cmd: []string{
			"redpanda",
			"start",
			"--overprovisioned",
			"--node-id=0",
			"--check=false",
			"--smp=1",
			"--memory=1G",
			"--reserve-memory=0M",
			"--kafka-addr=PLAINTEXT://0.0.0.0:9092",
			fmt.Sprintf("--advertise-kafka-addr=PLAINTEXT://127.0.0.1:%d", hostPort),
		},
		HostConfigModifier: func(cfg *container.HostConfig) {
			cfg.PortBindings = nat.PortMap{
				nat.Port("9092/tcp"): []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(hostPort)}},
			}
		},
		WaitingFor: wait.ForListeningPort(nat.Port("9092/tcp")).WithStartupTimeout(120 * time.Second),
	}

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, "", err
	}

	return c, fmt.Sprintf("127.0.0.1:%d", hostPort), nil
}

func freePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}
