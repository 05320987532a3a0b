package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/lvdashuaibi/facevote/config"
	"github.com/lvdashuaibi/facevote/internal/camera"
	"github.com/lvdashuaibi/facevote/internal/client"
	"github.com/lvdashuaibi/facevote/internal/logging"
	"github.com/lvdashuaibi/facevote/internal/ocr"
	"github.com/lvdashuaibi/facevote/internal/workflow"
)

func main() {
	fs := pflag.NewFlagSet("voter", pflag.ExitOnError)
	server := fs.String("server", "http://localhost:3000", "投票服务地址")
	nominee := fs.String("nominee", "", "候选人名字，为空时从列表中选择")
	idImage := fs.String("id-image", "", "证件照图片（后置摄像头画面）")
	faceImage := fs.String("face-image", "", "人脸照图片（前置摄像头画面）")
	tesseractBin := fs.String("tesseract", "tesseract", "tesseract 可执行文件")
	ocrLangs := fs.String("ocr-langs", "eng+ara", "OCR语言")
	extractionWait := fs.Duration("extraction-wait", 0, "提交前等待证件号识别的最长时间")
	logLevel := fs.String("log-level", "warn", "日志级别")
	fs.Parse(os.Args[1:])

	logger, err := logging.New(config.LogConfig{Level: *logLevel, Development: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if *idImage == "" || *faceImage == "" {
		fmt.Fprintln(os.Stderr, "必须指定 --id-image 和 --face-image")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := client.New(*server)
	cam := camera.NewDevice(map[camera.Facing]string{
		camera.FacingEnvironment: *idImage,
		camera.FacingUser:        *faceImage,
	})
	in := bufio.NewReader(os.Stdin)

	name := *nominee
	if name == "" {
		name, err = chooseNominee(ctx, api, in)
		if err != nil {
			logger.Fatal("选择候选人失败", zap.Error(err))
		}
	}

	wf := workflow.New(name, cam, api, ocr.NewTesseract(*tesseractBin, *ocrLangs), api,
		workflow.WithExtractionWait(*extractionWait),
		workflow.WithLogger(logger),
	)
	defer wf.Close()

	if err := run(ctx, wf, in); err != nil {
		logger.Fatal("投票流程失败", zap.Error(err))
	}
}

func run(ctx context.Context, wf *workflow.Workflow, in *bufio.Reader) error {
	// 输入错误时停留在当前步骤重试
	for wf.Status().Step == workflow.StepPhone {
		phone, err := prompt(in, "手机号: ")
		if err != nil {
			return err
		}
		if err := wf.SubmitPhone(ctx, phone); err != nil {
			fmt.Println("发送验证码失败:", err)
		}
	}
	for wf.Status().Step == workflow.StepOTP {
		code, err := prompt(in, "验证码: ")
		if err != nil {
			return err
		}
		if err := wf.SubmitOTP(ctx, code); err != nil {
			fmt.Println("验证码错误:", err)
		}
	}

	for _, step := range []workflow.Step{workflow.StepIDPhoto, workflow.StepFacePhoto} {
		if err := wf.StartCamera(ctx); err != nil {
			return err
		}
		if _, err := prompt(in, fmt.Sprintf("[%s] 按回车拍照", step)); err != nil {
			return err
		}
		if err := wf.Capture(ctx); err != nil {
			return err
		}
	}

	fmt.Println("正在提交投票...")
	if _, err := wf.Submit(ctx); err != nil {
		fmt.Println("提交失败:", err)
	}
	st := wf.Status()
	fmt.Printf("结果: %s %s\n", st.Submit, st.Message)
	if st.NationalID != "" {
		fmt.Println("识别到的证件号:", st.NationalID)
	}
	if st.Submit != workflow.SubmitSucceeded {
		return errors.New(st.Message)
	}
	return nil
}

func chooseNominee(ctx context.Context, api *client.Client, in *bufio.Reader) (string, error) {
	listCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	nominees, err := api.ListNominees(listCtx)
	if err != nil {
		return "", err
	}
	if len(nominees) == 0 {
		return "", errors.New("没有候选人")
	}
	for i, n := range nominees {
		fmt.Printf("%d) %s\n", i+1, n.Name)
	}
	for {
		answer, err := prompt(in, "选择候选人编号: ")
		if err != nil {
			return "", err
		}
		idx, err := strconv.Atoi(answer)
		if err == nil && idx >= 1 && idx <= len(nominees) {
			return nominees[idx-1].Name, nil
		}
		fmt.Println("无效的编号")
	}
}

func prompt(in *bufio.Reader, label string) (string, error) {
	fmt.Print(label)
	line, err := in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
